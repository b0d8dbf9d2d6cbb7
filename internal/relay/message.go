// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package relay

import (
	"strings"
	"unicode/utf8"
)

// Message types exchanged with clients. Inbound and outbound frames share
// the {type, data} envelope.
const (
	MessageTypeAuth      = "auth"
	MessageTypeChat      = "chat_message"
	MessageTypePresence  = "presence"
	MessageTypeAuthError = "auth_error"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
)

// Message is the outbound frame envelope.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ChatRequest is the client payload of an inbound chat_message frame.
// To addresses a display label; empty means broadcast.
type ChatRequest struct {
	To   string `json:"to,omitempty"`
	Text string `json:"text"`
}

// ChatMessage is the delivered chat payload. Sender fields are stamped
// server-side from the connection's resolved identity and never trusted
// from client input.
type ChatMessage struct {
	FromEmail string `json:"fromEmail"`
	FromName  string `json:"fromName,omitempty"`
	Text      string `json:"text"`
	To        string `json:"to,omitempty"`
}

// truncateChars limits s to max characters (runes), preserving valid
// UTF-8. Truncation, not rejection, is the contract.
func truncateChars(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// normalizeText trims whitespace and applies the truncation limit.
// Returns "" for messages that should be dropped as empty.
func normalizeText(s string, max int) string {
	return truncateChars(strings.TrimSpace(s), max)
}

// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

// Package relay implements the presence and chat relay engine.
//
// The engine owns every live connection and its authentication state. All
// state mutation happens on a single event loop: transport goroutines post
// events (connect, credential, message, disconnect) onto one channel, and
// the loop applies them one at a time, so no additional locking is needed
// on the hot path. Credential resolution is the only blocking step; it is
// dispatched as an asynchronous task whose completion is posted back onto
// the same loop, preserving serialized mutation while keeping slow
// resolutions from stalling other connections.
package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/trailmarks/relay/internal/identity"
	"github.com/trailmarks/relay/internal/logging"
	"github.com/trailmarks/relay/internal/metrics"
)

// Handle is the process-local identifier for one live connection.
type Handle uint64

// Sender delivers outbound messages to one connection. Send must not
// block; it reports false when the message was dropped (slow client).
// Close signals that no further sends will arrive. The engine is the only
// caller of Close.
type Sender interface {
	Send(msg Message) bool
	Close()
}

// IdentityResolver resolves a session credential to an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (identity.Identity, error)
}

// connPhase is the per-connection authentication state.
type connPhase int

const (
	phaseUnauthenticated connPhase = iota
	phaseAuthenticated
)

// conn is the engine's record of one live connection.
type conn struct {
	sender   Sender
	phase    connPhase
	identity identity.Identity

	// epoch counts credential submissions on this connection. Resolution
	// completions carry the epoch they were started with; a stale epoch
	// means the client re-authenticated (or disconnected) in the meantime
	// and the completion is discarded.
	epoch uint64

	// resolving marks an in-flight credential resolution. Messages that
	// arrive while it is set are buffered on pending and replayed in
	// receipt order once the outcome lands, so a message sent after a
	// credential always observes the post-resolution state.
	resolving bool
	pending   []ChatRequest
}

type eventKind int

const (
	evConnect eventKind = iota
	evCredential
	evResolved
	evMessage
	evDisconnect
)

// event is one unit of work for the engine loop.
type event struct {
	kind       eventKind
	handle     Handle
	sender     Sender            // evConnect
	credential string            // evCredential
	chat       ChatRequest       // evMessage
	identity   identity.Identity // evResolved
	err        error             // evResolved
	epoch      uint64            // evResolved
	started    time.Time         // evResolved
}

// Options configures an Engine.
type Options struct {
	// MaxMessageChars is the chat text truncation limit. Default 1000.
	MaxMessageChars int

	// ResolveTimeout bounds one credential resolution. Default 5s.
	ResolveTimeout time.Duration

	// EventBuffer sizes the internal event channel. Default 256.
	EventBuffer int
}

// Engine is the presence and relay engine. Create with NewEngine, start
// with Run, feed with Connect/Credential/Message/Disconnect.
type Engine struct {
	resolver       IdentityResolver
	maxChars       int
	resolveTimeout time.Duration

	mu    sync.RWMutex
	conns map[Handle]*conn

	events chan event
}

// NewEngine creates an engine using the given resolver.
func NewEngine(resolver IdentityResolver, opts Options) *Engine {
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = 1000
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}

	return &Engine{
		resolver:       resolver,
		maxChars:       opts.MaxMessageChars,
		resolveTimeout: opts.ResolveTimeout,
		conns:          make(map[Handle]*conn),
		events:         make(chan event, opts.EventBuffer),
	}
}

// Connect registers a new connection in the unauthenticated state.
// Unauthenticated connections are invisible to presence.
func (e *Engine) Connect(h Handle, s Sender) {
	e.events <- event{kind: evConnect, handle: h, sender: s}
}

// Credential submits a session credential for the connection. Resolution
// runs asynchronously; the outcome is applied on the engine loop.
func (e *Engine) Credential(h Handle, credential string) {
	e.events <- event{kind: evCredential, handle: h, credential: credential}
}

// Message submits a chat payload from the connection.
func (e *Engine) Message(h Handle, chat ChatRequest) {
	e.events <- event{kind: evMessage, handle: h, chat: chat}
}

// Disconnect removes the connection regardless of state.
func (e *Engine) Disconnect(h Handle) {
	e.events <- event{kind: evDisconnect, handle: h}
}

// Run processes events until the context is canceled, then closes all
// connections and returns ctx.Err(). Designed for suture supervision.
func (e *Engine) Run(ctx context.Context) error {
	for {
		// Shutdown takes priority over pending events.
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case ev := <-e.events:
			e.dispatch(ctx, ev)
		}
	}
}

// dispatch applies one event. Runs only on the engine loop.
func (e *Engine) dispatch(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnect:
		e.handleConnect(ev.handle, ev.sender)
	case evCredential:
		e.handleCredential(ctx, ev.handle, ev.credential)
	case evResolved:
		e.handleResolved(ev)
	case evMessage:
		e.handleMessage(ev.handle, ev.chat)
	case evDisconnect:
		e.handleDisconnect(ev.handle)
	}
}

func (e *Engine) handleConnect(h Handle, s Sender) {
	e.mu.Lock()
	e.conns[h] = &conn{sender: s, phase: phaseUnauthenticated}
	total := len(e.conns)
	e.mu.Unlock()

	metrics.Connections.Set(float64(total))
	logging.Debug().Uint64("handle", uint64(h)).Int("total", total).Msg("connection registered")
}

func (e *Engine) handleCredential(ctx context.Context, h Handle, credential string) {
	e.mu.Lock()
	c, ok := e.conns[h]
	if !ok {
		e.mu.Unlock()
		return
	}
	c.epoch++
	c.resolving = true
	epoch := c.epoch
	e.mu.Unlock()

	started := time.Now()
	go func() {
		rctx, cancel := context.WithTimeout(ctx, e.resolveTimeout)
		defer cancel()

		id, err := e.resolver.Resolve(rctx, credential)
		e.postEvent(ctx, event{
			kind:     evResolved,
			handle:   h,
			epoch:    epoch,
			identity: id,
			err:      err,
			started:  started,
		})
	}()
}

// postEvent enqueues an event from outside the loop, abandoning it when
// the engine has shut down so completion goroutines never block forever
// on a full buffer.
func (e *Engine) postEvent(ctx context.Context, ev event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func (e *Engine) handleResolved(ev event) {
	e.mu.Lock()
	c, ok := e.conns[ev.handle]
	if !ok || c.epoch != ev.epoch {
		// Connection is gone or re-authenticated since; stale completion.
		e.mu.Unlock()
		return
	}

	pending := c.pending
	c.pending = nil
	c.resolving = false

	if ev.err != nil {
		e.mu.Unlock()

		result := "invalid"
		if errors.Is(ev.err, context.DeadlineExceeded) {
			result = "timeout"
		}
		metrics.RecordAuthAttempt(result, time.Since(ev.started))
		logging.Debug().Err(ev.err).Uint64("handle", uint64(ev.handle)).Msg("credential rejected")

		c.sender.Send(Message{Type: MessageTypeAuthError, Data: "authentication failed"})
		e.replayPending(ev.handle, pending)
		return
	}

	// Idempotent upsert: a repeated credential overwrites the identity.
	c.phase = phaseAuthenticated
	c.identity = ev.identity
	e.mu.Unlock()

	metrics.RecordAuthAttempt("success", time.Since(ev.started))
	logging.Info().
		Uint64("handle", uint64(ev.handle)).
		Str("subject", ev.identity.SubjectID).
		Str("label", ev.identity.DisplayLabel).
		Msg("connection authenticated")

	e.broadcastPresence()
	e.replayPending(ev.handle, pending)
}

// replayPending runs messages buffered during resolution through normal
// handling, in receipt order. Runs on the engine loop, so replayed
// messages are ordered before anything that arrived after the outcome.
func (e *Engine) replayPending(h Handle, pending []ChatRequest) {
	for _, chat := range pending {
		e.handleMessage(h, chat)
	}
}

func (e *Engine) handleMessage(h Handle, chat ChatRequest) {
	e.mu.Lock()
	c, ok := e.conns[h]
	if !ok {
		e.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues("unauthenticated").Inc()
		return
	}
	if c.resolving {
		// A credential outcome is pending; hold the message so it sees
		// the post-resolution state.
		c.pending = append(c.pending, chat)
		e.mu.Unlock()
		return
	}
	if c.phase != phaseAuthenticated {
		e.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues("unauthenticated").Inc()
		return
	}
	from := c.identity
	e.mu.Unlock()

	text := normalizeText(chat.Text, e.maxChars)
	if text == "" {
		metrics.MessagesDropped.WithLabelValues("empty").Inc()
		return
	}

	msg := Message{
		Type: MessageTypeChat,
		Data: ChatMessage{
			FromEmail: senderEmail(from),
			FromName:  from.DisplayLabel,
			Text:      text,
			To:        chat.To,
		},
	}

	if chat.To != "" {
		e.deliverPrivate(h, chat.To, msg)
		metrics.MessagesRouted.WithLabelValues("private").Inc()
	} else {
		e.deliverBroadcast(msg)
		metrics.MessagesRouted.WithLabelValues("broadcast").Inc()
	}
}

func (e *Engine) handleDisconnect(h Handle) {
	e.mu.Lock()
	c, ok := e.conns[h]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.conns, h)
	total := len(e.conns)
	e.mu.Unlock()

	c.sender.Close()
	metrics.Connections.Set(float64(total))
	logging.Debug().Uint64("handle", uint64(h)).Int("total", total).Msg("connection removed")

	// Unauthenticated connections were never part of the presence set.
	if c.phase == phaseAuthenticated {
		e.broadcastPresence()
	}
}

// deliverPrivate sends to every authenticated connection holding the
// recipient label, plus exactly one echo to the sender. Duplicate labels
// are not disambiguated: all connections with the label receive the
// message. The sender is excluded from the label scan so a self-addressed
// message still arrives exactly once.
func (e *Engine) deliverPrivate(sender Handle, to string, msg Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, h := range e.sortedHandles() {
		c := e.conns[h]
		if h == sender || c.phase != phaseAuthenticated || c.identity.DisplayLabel != to {
			continue
		}
		if !c.sender.Send(msg) {
			metrics.DeliveriesDropped.Inc()
		}
	}

	if c, ok := e.conns[sender]; ok {
		if !c.sender.Send(msg) {
			metrics.DeliveriesDropped.Inc()
		}
	}
}

// deliverBroadcast sends to every live connection, authenticated or not.
// Pre-auth visibility of broadcast traffic mirrors the presence snapshot
// policy; see the presence broadcast below.
func (e *Engine) deliverBroadcast(msg Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, h := range e.sortedHandles() {
		if !e.conns[h].sender.Send(msg) {
			metrics.DeliveriesDropped.Inc()
		}
	}
}

// broadcastPresence sends a fresh snapshot to every live connection,
// including unauthenticated ones. The snapshot only contains display
// labels, so showing it pre-auth leaks nothing the login page doesn't.
func (e *Engine) broadcastPresence() {
	e.mu.RLock()
	snapshot := e.snapshotLocked()
	msg := Message{Type: MessageTypePresence, Data: snapshot}

	authed := 0
	for _, h := range e.sortedHandles() {
		c := e.conns[h]
		if c.phase == phaseAuthenticated {
			authed++
		}
		if !c.sender.Send(msg) {
			metrics.DeliveriesDropped.Inc()
		}
	}
	e.mu.RUnlock()

	metrics.RecordPresenceBroadcast(len(snapshot))
	metrics.AuthenticatedConnections.Set(float64(authed))
}

// snapshotLocked computes the deduplicated, sorted label list.
// Caller must hold at least a read lock.
func (e *Engine) snapshotLocked() []string {
	seen := make(map[string]struct{})
	for _, c := range e.conns {
		if c.phase == phaseAuthenticated {
			seen[c.identity.DisplayLabel] = struct{}{}
		}
	}

	labels := make([]string, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// sortedHandles returns handles in ascending order for deterministic
// delivery order. Caller must hold at least a read lock.
func (e *Engine) sortedHandles() []Handle {
	handles := make([]Handle, 0, len(e.conns))
	for h := range e.conns {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// shutdown closes every connection. Called once when Run exits.
func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for h, c := range e.conns {
		c.sender.Close()
		delete(e.conns, h)
	}
	metrics.Connections.Set(0)
	logging.Info().Str("component", "relay-engine").Msg("engine stopped, all connections closed")
}

// ConnectionCount returns the number of live connections.
func (e *Engine) ConnectionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// PresenceSnapshot returns the current deduplicated label list.
func (e *Engine) PresenceSnapshot() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// senderEmail picks the wire fromEmail value: the enriched account email
// when known, else the stable subject id so the field is never empty.
func senderEmail(id identity.Identity) string {
	if id.Email != "" {
		return id.Email
	}
	return id.SubjectID
}

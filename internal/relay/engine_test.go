// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trailmarks/relay/internal/identity"
	"github.com/trailmarks/relay/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeSender records everything the engine delivers to one connection.
type fakeSender struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
}

func (s *fakeSender) Send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSender) messagesOfType(msgType string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) lastPresence() ([]string, bool) {
	presence := s.messagesOfType(MessageTypePresence)
	if len(presence) == 0 {
		return nil, false
	}
	labels, ok := presence[len(presence)-1].Data.([]string)
	return labels, ok
}

// fakeResolver resolves credentials from a fixed table. A credential
// with a gate channel blocks until the gate is closed, for exercising
// slow and stale resolutions.
type fakeResolver struct {
	mu         sync.Mutex
	identities map[string]identity.Identity
	gates      map[string]chan struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		identities: make(map[string]identity.Identity),
		gates:      make(map[string]chan struct{}),
	}
}

func (r *fakeResolver) add(credential string, id identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[credential] = id
}

func (r *fakeResolver) gate(credential string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[credential] = ch
	return ch
}

func (r *fakeResolver) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	r.mu.Lock()
	gate := r.gates[credential]
	id, ok := r.identities[credential]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return identity.Identity{}, ctx.Err()
		}
	}
	if !ok {
		return identity.Identity{}, fmt.Errorf("%w: unknown credential", identity.ErrCredentialInvalid)
	}
	return id, nil
}

// startEngine runs an engine for the duration of the test.
func startEngine(t *testing.T, resolver IdentityResolver, opts Options) *Engine {
	t.Helper()

	engine := NewEngine(resolver, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = engine.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})

	return engine
}

// waitFor polls until the condition holds or the test fails.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// authenticate connects and authenticates one fake connection.
func authenticate(t *testing.T, e *Engine, h Handle, credential string) *fakeSender {
	t.Helper()
	s := &fakeSender{}
	e.Connect(h, s)
	e.Credential(h, credential)
	waitFor(t, fmt.Sprintf("handle %d authenticated", h), func() bool {
		return len(s.messagesOfType(MessageTypePresence)) > 0
	})
	return s
}

func TestEngine_UnauthenticatedConnectionInvisible(t *testing.T) {
	resolver := newFakeResolver()
	engine := startEngine(t, resolver, Options{})

	s := &fakeSender{}
	engine.Connect(1, s)

	waitFor(t, "connection registered", func() bool {
		return engine.ConnectionCount() == 1
	})

	if labels := engine.PresenceSnapshot(); len(labels) != 0 {
		t.Errorf("expected empty presence before auth, got %v", labels)
	}
	if got := s.messagesOfType(MessageTypePresence); len(got) != 0 {
		t.Errorf("expected no presence frames before any auth, got %d", len(got))
	}
}

func TestEngine_AuthenticationBroadcastsPresence(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi", Email: "dana@example.com"})
	engine := startEngine(t, resolver, Options{})

	observer := &fakeSender{}
	engine.Connect(1, observer)

	authenticate(t, engine, 2, "token-dana")

	// The unauthenticated observer also receives the snapshot.
	waitFor(t, "observer presence frame", func() bool {
		return len(observer.messagesOfType(MessageTypePresence)) > 0
	})

	labels, ok := observer.lastPresence()
	if !ok {
		t.Fatal("presence data is not []string")
	}
	if len(labels) != 1 || labels[0] != "Dana Levi" {
		t.Errorf("expected presence [Dana Levi], got %v", labels)
	}
}

func TestEngine_PresenceDeduplicatesAndSorts(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-omer", identity.Identity{SubjectID: "u2", DisplayLabel: "Omer Cohen"})
	resolver.add("token-dana-phone", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	resolver.add("token-dana-laptop", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	engine := startEngine(t, resolver, Options{})

	authenticate(t, engine, 1, "token-omer")
	authenticate(t, engine, 2, "token-dana-phone")
	authenticate(t, engine, 3, "token-dana-laptop")

	waitFor(t, "deduplicated snapshot", func() bool {
		labels := engine.PresenceSnapshot()
		return len(labels) == 2
	})

	labels := engine.PresenceSnapshot()
	if labels[0] != "Dana Levi" || labels[1] != "Omer Cohen" {
		t.Errorf("expected sorted [Dana Levi, Omer Cohen], got %v", labels)
	}
}

func TestEngine_InvalidCredentialSendsAuthError(t *testing.T) {
	resolver := newFakeResolver()
	engine := startEngine(t, resolver, Options{})

	s := &fakeSender{}
	engine.Connect(1, s)
	engine.Credential(1, "bogus")

	waitFor(t, "auth_error frame", func() bool {
		return len(s.messagesOfType(MessageTypeAuthError)) > 0
	})

	if labels := engine.PresenceSnapshot(); len(labels) != 0 {
		t.Errorf("failed auth must not join presence, got %v", labels)
	}

	// The connection stays open and can retry.
	if engine.ConnectionCount() != 1 {
		t.Errorf("expected connection to survive failed auth, count=%d", engine.ConnectionCount())
	}
}

func TestEngine_ResolveTimeoutSendsAuthError(t *testing.T) {
	resolver := newFakeResolver()
	resolver.gate("token-slow") // never released
	resolver.add("token-slow", identity.Identity{SubjectID: "u9", DisplayLabel: "Slow"})
	engine := startEngine(t, resolver, Options{ResolveTimeout: 20 * time.Millisecond})

	s := &fakeSender{}
	engine.Connect(1, s)
	engine.Credential(1, "token-slow")

	waitFor(t, "timeout auth_error", func() bool {
		return len(s.messagesOfType(MessageTypeAuthError)) > 0
	})
}

func TestEngine_StaleResolutionDiscarded(t *testing.T) {
	resolver := newFakeResolver()
	gate := resolver.gate("token-old")
	resolver.add("token-old", identity.Identity{SubjectID: "u1", DisplayLabel: "Old Label"})
	resolver.add("token-new", identity.Identity{SubjectID: "u1", DisplayLabel: "New Label"})
	engine := startEngine(t, resolver, Options{})

	s := &fakeSender{}
	engine.Connect(1, s)
	engine.Credential(1, "token-old")
	engine.Credential(1, "token-new")

	waitFor(t, "new credential applied", func() bool {
		labels := engine.PresenceSnapshot()
		return len(labels) == 1 && labels[0] == "New Label"
	})

	// Let the first resolution finish late; it must not overwrite.
	close(gate)
	time.Sleep(50 * time.Millisecond)

	labels := engine.PresenceSnapshot()
	if len(labels) != 1 || labels[0] != "New Label" {
		t.Errorf("stale resolution overwrote identity: %v", labels)
	}
}

func TestEngine_MessageDuringResolutionDelivered(t *testing.T) {
	resolver := newFakeResolver()
	gate := resolver.gate("token-dana")
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi", Email: "dana@example.com"})
	engine := startEngine(t, resolver, Options{})

	s := &fakeSender{}
	engine.Connect(1, s)
	engine.Credential(1, "token-dana")
	engine.Message(1, ChatRequest{Text: "sent right after auth"})

	// Nothing delivered while the credential is still resolving.
	time.Sleep(50 * time.Millisecond)
	if got := s.messagesOfType(MessageTypeChat); len(got) != 0 {
		t.Fatalf("message delivered before resolution finished: %v", got)
	}

	close(gate)

	waitFor(t, "buffered message delivered", func() bool {
		return len(s.messagesOfType(MessageTypeChat)) == 1
	})

	chat := s.messagesOfType(MessageTypeChat)[0].Data.(ChatMessage)
	if chat.FromName != "Dana Levi" || chat.Text != "sent right after auth" {
		t.Errorf("replayed message carries wrong identity or text: %+v", chat)
	}
}

func TestEngine_MessageOrderPreservedAcrossResolution(t *testing.T) {
	resolver := newFakeResolver()
	gate := resolver.gate("token-dana")
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	engine := startEngine(t, resolver, Options{})

	s := &fakeSender{}
	engine.Connect(1, s)
	engine.Credential(1, "token-dana")
	engine.Message(1, ChatRequest{Text: "first"})
	engine.Message(1, ChatRequest{Text: "second"})
	close(gate)

	waitFor(t, "both messages delivered", func() bool {
		return len(s.messagesOfType(MessageTypeChat)) == 2
	})

	chats := s.messagesOfType(MessageTypeChat)
	if chats[0].Data.(ChatMessage).Text != "first" || chats[1].Data.(ChatMessage).Text != "second" {
		t.Errorf("receipt order not preserved: %v", chats)
	}
}

func TestEngine_MessageDuringFailedResolutionDropped(t *testing.T) {
	resolver := newFakeResolver()
	gate := resolver.gate("bogus") // unknown credential, resolves to invalid
	engine := startEngine(t, resolver, Options{})

	s := &fakeSender{}
	engine.Connect(1, s)
	engine.Credential(1, "bogus")
	engine.Message(1, ChatRequest{Text: "never delivered"})
	close(gate)

	waitFor(t, "auth_error frame", func() bool {
		return len(s.messagesOfType(MessageTypeAuthError)) > 0
	})

	time.Sleep(50 * time.Millisecond)
	if got := s.messagesOfType(MessageTypeChat); len(got) != 0 {
		t.Errorf("message buffered during failed auth was delivered: %v", got)
	}
}

func TestEngine_ReauthenticationReplacesIdentity(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-a", identity.Identity{SubjectID: "u1", DisplayLabel: "Alpha"})
	resolver.add("token-b", identity.Identity{SubjectID: "u2", DisplayLabel: "Beta"})
	engine := startEngine(t, resolver, Options{})

	authenticate(t, engine, 1, "token-a")

	engine.Credential(1, "token-b")
	waitFor(t, "identity replaced", func() bool {
		labels := engine.PresenceSnapshot()
		return len(labels) == 1 && labels[0] == "Beta"
	})
}

func TestEngine_UnauthenticatedMessagesDropped(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	engine := startEngine(t, resolver, Options{})

	listener := authenticate(t, engine, 1, "token-dana")

	anon := &fakeSender{}
	engine.Connect(2, anon)
	engine.Message(2, ChatRequest{Text: "should vanish"})

	time.Sleep(50 * time.Millisecond)
	if got := listener.messagesOfType(MessageTypeChat); len(got) != 0 {
		t.Errorf("unauthenticated message was delivered: %v", got)
	}
}

func TestEngine_EmptyMessagesDropped(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	engine := startEngine(t, resolver, Options{})

	s := authenticate(t, engine, 1, "token-dana")
	engine.Message(1, ChatRequest{Text: "   \n\t  "})

	time.Sleep(50 * time.Millisecond)
	if got := s.messagesOfType(MessageTypeChat); len(got) != 0 {
		t.Errorf("whitespace-only message was delivered: %v", got)
	}
}

func TestEngine_BroadcastReachesAllConnections(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi", Email: "dana@example.com"})
	resolver.add("token-omer", identity.Identity{SubjectID: "u2", DisplayLabel: "Omer Cohen", Email: "omer@example.com"})
	engine := startEngine(t, resolver, Options{})

	dana := authenticate(t, engine, 1, "token-dana")
	omer := authenticate(t, engine, 2, "token-omer")
	anon := &fakeSender{}
	engine.Connect(3, anon)

	engine.Message(1, ChatRequest{Text: "hello everyone"})

	for name, s := range map[string]*fakeSender{"dana": dana, "omer": omer, "anon": anon} {
		s := s
		waitFor(t, name+" chat frame", func() bool {
			return len(s.messagesOfType(MessageTypeChat)) == 1
		})
	}

	chat, ok := omer.messagesOfType(MessageTypeChat)[0].Data.(ChatMessage)
	if !ok {
		t.Fatal("chat data is not ChatMessage")
	}
	if chat.FromEmail != "dana@example.com" || chat.FromName != "Dana Levi" {
		t.Errorf("sender stamp wrong: %+v", chat)
	}
	if chat.Text != "hello everyone" || chat.To != "" {
		t.Errorf("payload wrong: %+v", chat)
	}
}

func TestEngine_PrivateMessageRouting(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi", Email: "dana@example.com"})
	resolver.add("token-omer", identity.Identity{SubjectID: "u2", DisplayLabel: "Omer Cohen", Email: "omer@example.com"})
	resolver.add("token-noa", identity.Identity{SubjectID: "u3", DisplayLabel: "Noa Bar", Email: "noa@example.com"})
	engine := startEngine(t, resolver, Options{})

	dana := authenticate(t, engine, 1, "token-dana")
	omer := authenticate(t, engine, 2, "token-omer")
	noa := authenticate(t, engine, 3, "token-noa")

	engine.Message(1, ChatRequest{To: "Omer Cohen", Text: "meet at the trailhead?"})

	waitFor(t, "recipient delivery", func() bool {
		return len(omer.messagesOfType(MessageTypeChat)) == 1
	})
	waitFor(t, "sender echo", func() bool {
		return len(dana.messagesOfType(MessageTypeChat)) == 1
	})

	time.Sleep(50 * time.Millisecond)
	if got := noa.messagesOfType(MessageTypeChat); len(got) != 0 {
		t.Errorf("third party received private message: %v", got)
	}

	chat := omer.messagesOfType(MessageTypeChat)[0].Data.(ChatMessage)
	if chat.To != "Omer Cohen" || chat.FromName != "Dana Levi" {
		t.Errorf("private payload wrong: %+v", chat)
	}
}

func TestEngine_PrivateMessageDuplicateLabels(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	resolver.add("token-omer-a", identity.Identity{SubjectID: "u2", DisplayLabel: "Omer Cohen"})
	resolver.add("token-omer-b", identity.Identity{SubjectID: "u2", DisplayLabel: "Omer Cohen"})
	engine := startEngine(t, resolver, Options{})

	authenticate(t, engine, 1, "token-dana")
	omerA := authenticate(t, engine, 2, "token-omer-a")
	omerB := authenticate(t, engine, 3, "token-omer-b")

	engine.Message(1, ChatRequest{To: "Omer Cohen", Text: "which device?"})

	// Every connection holding the label receives the message.
	for name, s := range map[string]*fakeSender{"omerA": omerA, "omerB": omerB} {
		s := s
		waitFor(t, name+" delivery", func() bool {
			return len(s.messagesOfType(MessageTypeChat)) == 1
		})
	}
}

func TestEngine_SelfAddressedMessageEchoesOnce(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	engine := startEngine(t, resolver, Options{})

	dana := authenticate(t, engine, 1, "token-dana")
	engine.Message(1, ChatRequest{To: "Dana Levi", Text: "note to self"})

	waitFor(t, "self echo", func() bool {
		return len(dana.messagesOfType(MessageTypeChat)) > 0
	})

	time.Sleep(50 * time.Millisecond)
	if got := dana.messagesOfType(MessageTypeChat); len(got) != 1 {
		t.Errorf("expected exactly one echo, got %d", len(got))
	}
}

func TestEngine_PrivateMessageToAbsentLabelEchoesOnce(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	resolver.add("token-omer", identity.Identity{SubjectID: "u2", DisplayLabel: "Omer Cohen"})
	engine := startEngine(t, resolver, Options{})

	dana := authenticate(t, engine, 1, "token-dana")
	omer := authenticate(t, engine, 2, "token-omer")

	// Nobody holds this label; the sender still gets the echo.
	engine.Message(1, ChatRequest{To: "Noa Barak", Text: "are you there?"})

	waitFor(t, "sender echo", func() bool {
		return len(dana.messagesOfType(MessageTypeChat)) > 0
	})

	time.Sleep(50 * time.Millisecond)
	if got := dana.messagesOfType(MessageTypeChat); len(got) != 1 {
		t.Errorf("sender echoes = %d, want exactly 1", len(got))
	}
	if got := omer.messagesOfType(MessageTypeChat); len(got) != 0 {
		t.Errorf("non-addressee received %d private messages", len(got))
	}
}

func TestEngine_LongMessagesTruncated(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	engine := startEngine(t, resolver, Options{MaxMessageChars: 1000})

	dana := authenticate(t, engine, 1, "token-dana")

	long := strings.Repeat("א", 1500) // multibyte, rune count is what matters
	engine.Message(1, ChatRequest{Text: long})

	waitFor(t, "truncated delivery", func() bool {
		return len(dana.messagesOfType(MessageTypeChat)) == 1
	})

	chat := dana.messagesOfType(MessageTypeChat)[0].Data.(ChatMessage)
	if got := len([]rune(chat.Text)); got != 1000 {
		t.Errorf("expected 1000 runes after truncation, got %d", got)
	}
}

func TestEngine_DisconnectUpdatesPresence(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	resolver.add("token-omer", identity.Identity{SubjectID: "u2", DisplayLabel: "Omer Cohen"})
	engine := startEngine(t, resolver, Options{})

	dana := authenticate(t, engine, 1, "token-dana")
	omer := authenticate(t, engine, 2, "token-omer")

	engine.Disconnect(1)

	waitFor(t, "sender closed", dana.isClosed)
	waitFor(t, "presence without Dana", func() bool {
		labels, ok := omer.lastPresence()
		return ok && len(labels) == 1 && labels[0] == "Omer Cohen"
	})

	if engine.ConnectionCount() != 1 {
		t.Errorf("expected 1 connection after disconnect, got %d", engine.ConnectionCount())
	}
}

func TestEngine_UnauthenticatedDisconnectNoBroadcast(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})
	engine := startEngine(t, resolver, Options{})

	dana := authenticate(t, engine, 1, "token-dana")
	before := len(dana.messagesOfType(MessageTypePresence))

	anon := &fakeSender{}
	engine.Connect(2, anon)
	waitFor(t, "anon registered", func() bool { return engine.ConnectionCount() == 2 })
	engine.Disconnect(2)

	waitFor(t, "anon closed", anon.isClosed)
	time.Sleep(50 * time.Millisecond)

	if after := len(dana.messagesOfType(MessageTypePresence)); after != before {
		t.Errorf("presence broadcast on unauthenticated disconnect: before=%d after=%d", before, after)
	}
}

func TestEngine_ShutdownClosesAllConnections(t *testing.T) {
	resolver := newFakeResolver()
	resolver.add("token-dana", identity.Identity{SubjectID: "u1", DisplayLabel: "Dana Levi"})

	engine := NewEngine(resolver, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	s := &fakeSender{}
	engine.Connect(1, s)
	waitFor(t, "connection registered", func() bool { return engine.ConnectionCount() == 1 })

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	if !s.isClosed() {
		t.Error("connection not closed on shutdown")
	}
	if engine.ConnectionCount() != 0 {
		t.Errorf("expected 0 connections after shutdown, got %d", engine.ConnectionCount())
	}
}

func TestEngine_PostEventAbandonsAfterShutdown(t *testing.T) {
	engine := NewEngine(newFakeResolver(), Options{EventBuffer: 1})

	// Fill the buffer with the loop not running, so the post can only
	// finish via the canceled context.
	engine.events <- event{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		engine.postEvent(ctx, event{kind: evResolved})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("postEvent blocked after shutdown")
	}
}

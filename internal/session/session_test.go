package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/appforge/appforge-gateway/internal/engine"
	"github.com/appforge/appforge-gateway/internal/ledger"
	"github.com/appforge/appforge-gateway/internal/quota"
	"github.com/appforge/appforge-gateway/internal/stream"
	"github.com/appforge/appforge-gateway/internal/tenant"
	"github.com/appforge/appforge-gateway/internal/testutil"
	"github.com/appforge/appforge-gateway/internal/wire"
)

type memTenantStore struct {
	mu         sync.Mutex
	workspaces map[string]string
	chats      map[int64]*tenant.Chat
	nextChat   int64
}

func newMemTenantStore() *memTenantStore {
	return &memTenantStore{workspaces: make(map[string]string), chats: make(map[int64]*tenant.Chat), nextChat: 1}
}

func (m *memTenantStore) EnsureOrg(context.Context, string) error { return nil }

func (m *memTenantStore) EnsureWorkspace(_ context.Context, orgID, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[workspaceID] = orgID
	return nil
}

func (m *memTenantStore) WorkspaceInOrg(_ context.Context, orgID, workspaceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[workspaceID] == orgID, nil
}

func (m *memTenantStore) CreateChat(_ context.Context, orgID, workspaceID, title string) (*tenant.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &tenant.Chat{ID: m.nextChat, OrgID: orgID, WorkspaceID: workspaceID, Title: title}
	m.nextChat++
	m.chats[c.ID] = c
	return c, nil
}

func (m *memTenantStore) GetChat(_ context.Context, chatID int64) (*tenant.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chats[chatID], nil
}

func (m *memTenantStore) Close() error { return nil }

// fakeEngine lets each test script stream behaviour per chat.
type fakeEngine struct {
	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	startFn func(ctx context.Context, em *stream.Emitter, req engine.Request) error
}

func newFakeEngine(startFn func(ctx context.Context, em *stream.Emitter, req engine.Request) error) *fakeEngine {
	return &fakeEngine{cancels: make(map[int64]context.CancelFunc), startFn: startFn}
}

func (f *fakeEngine) Start(ctx context.Context, em *stream.Emitter, req engine.Request) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	f.mu.Lock()
	f.cancels[req.ChatID] = cancel
	f.mu.Unlock()
	return f.startFn(runCtx, em, req)
}

func (f *fakeEngine) Cancel(_ context.Context, chatID int64) error {
	f.mu.Lock()
	cancel := f.cancels[chatID]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

type memLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (m *memLedger) Record(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLedger) Summary(context.Context, string) (ledger.Summary, error) {
	return ledger.Summary{}, nil
}

func (m *memLedger) ListRecent(context.Context, string, int) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Entry(nil), m.entries...), nil
}

func (m *memLedger) Close() error { return nil }

type fixture struct {
	store   *memTenantStore
	ledger  *memLedger
	session *Session
}

func newFixture(t *testing.T, eng engine.Engine, usage UsageGate) *fixture {
	t.Helper()
	store := newMemTenantStore()
	if err := store.EnsureWorkspace(context.Background(), "org-1", "ws-1"); err != nil {
		t.Fatalf("EnsureWorkspace: %v", err)
	}
	led := &memLedger{}
	sess, err := New(Options{
		Resolver: tenant.NewResolver(store, nil, true),
		Engine:   eng,
		Usage:    usage,
		Ledger:   led,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: store, ledger: led, session: sess}
}

func (f *fixture) mustChat(t *testing.T) *tenant.Chat {
	t.Helper()
	chat, err := f.store.CreateChat(context.Background(), "org-1", "ws-1", "test")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return chat
}

func startMsg(requestID string, chatID int64) *wire.StartMessage {
	return &wire.StartMessage{
		RequestID:   requestID,
		OrgID:       "org-1",
		WorkspaceID: "ws-1",
		ChatID:      chatID,
		Prompt:      "build a landing page",
	}
}

func TestStreamChunksThenEnd(t *testing.T) {
	eng := newFakeEngine(func(_ context.Context, em *stream.Emitter, req engine.Request) error {
		em.EmitChunk(map[string]any{"chatId": req.ChatID, "delta": "hello "})
		em.EmitChunk(map[string]any{"chatId": req.ChatID, "delta": "world"})
		em.EmitEnd(stream.EndPayload{ChatID: req.ChatID, UpdatedFiles: true, TokensUsed: 42})
		return nil
	})
	f := newFixture(t, eng, nil)
	chat := f.mustChat(t)

	sink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), sink, "", startMsg("r1", chat.ID))

	want := []string{stream.EventChunk, stream.EventChunk, stream.EventEnd}
	got := sink.Events()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if f.session.ActiveStreams() != 0 {
		t.Fatalf("stream must deregister after terminal event")
	}
	entries, _ := f.ledger.ListRecent(context.Background(), "org-1", 10)
	if len(entries) != 1 || entries[0].CompletionTokens != 42 || entries[0].ChatID != chat.ID {
		t.Fatalf("unexpected ledger entries %+v", entries)
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	release := make(chan struct{})
	eng := newFakeEngine(func(ctx context.Context, em *stream.Emitter, req engine.Request) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		em.EmitEnd(stream.EndPayload{ChatID: req.ChatID})
		return nil
	})
	f := newFixture(t, eng, nil)
	first := f.mustChat(t)
	second := f.mustChat(t)

	firstSink := &testutil.RecordingSink{}
	done := make(chan struct{})
	go func() {
		f.session.HandleStart(context.Background(), firstSink, "", startMsg("r1", first.ID))
		close(done)
	}()
	waitFor(t, func() bool { return f.session.ActiveStreams() == 1 })

	dupSink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), dupSink, "", startMsg("r1", second.ID))

	frames := dupSink.Frames()
	if len(frames) != 1 || frames[0].Event != stream.EventError {
		t.Fatalf("duplicate start must produce a single error frame, got %v", dupSink.Events())
	}
	// A rejected start never existed, so it must not emit a synthetic end.
	if f.session.ActiveStreams() != 1 {
		t.Fatalf("rejection must not disturb the live stream")
	}

	close(release)
	<-done
}

func TestDuplicateChatIDRejected(t *testing.T) {
	release := make(chan struct{})
	eng := newFakeEngine(func(ctx context.Context, em *stream.Emitter, req engine.Request) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		em.EmitEnd(stream.EndPayload{ChatID: req.ChatID})
		return nil
	})
	f := newFixture(t, eng, nil)
	chat := f.mustChat(t)

	go f.session.HandleStart(context.Background(), &testutil.RecordingSink{}, "", startMsg("r1", chat.ID))
	waitFor(t, func() bool { return f.session.ActiveStreams() == 1 })

	dupSink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), dupSink, "", startMsg("r2", chat.ID))
	frames := dupSink.Frames()
	if len(frames) != 1 || frames[0].Event != stream.EventError {
		t.Fatalf("duplicate chat must produce a single error frame, got %v", dupSink.Events())
	}
	payload, ok := frames[0].Payload.(stream.ErrorPayload)
	if !ok || !strings.Contains(payload.Error, "already has an active stream") {
		t.Fatalf("unexpected rejection payload %+v", frames[0].Payload)
	}

	close(release)
}

func TestUnknownChatRejected(t *testing.T) {
	eng := newFakeEngine(func(_ context.Context, em *stream.Emitter, req engine.Request) error {
		t.Fatalf("engine must not start for an unknown chat")
		return nil
	})
	f := newFixture(t, eng, nil)

	sink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), sink, "", startMsg("r1", 999))

	got := sink.Events()
	// Admitted then failed: error followed by the synthetic end.
	if len(got) != 2 || got[0] != stream.EventError || got[1] != stream.EventEnd {
		t.Fatalf("expected error+end, got %v", got)
	}
	if f.session.ActiveStreams() != 0 {
		t.Fatalf("failed stream must deregister")
	}
}

func TestQuotaRejection(t *testing.T) {
	eng := newFakeEngine(func(_ context.Context, em *stream.Emitter, req engine.Request) error {
		em.EmitEnd(stream.EndPayload{ChatID: req.ChatID})
		return nil
	})
	gate := quota.NewManager(true, time.Hour, quota.Limits{Requests: 1}, nil)
	f := newFixture(t, eng, gate)
	first := f.mustChat(t)
	second := f.mustChat(t)

	okSink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), okSink, "", startMsg("r1", first.ID))
	if events := okSink.Events(); events[len(events)-1] != stream.EventEnd {
		t.Fatalf("first stream should succeed, got %v", events)
	}

	deniedSink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), deniedSink, "", startMsg("r2", second.ID))
	got := deniedSink.Events()
	if len(got) != 2 || got[0] != stream.EventError || got[1] != stream.EventEnd {
		t.Fatalf("expected error+end for quota rejection, got %v", got)
	}
	payload := deniedSink.Frames()[0].Payload.(stream.ErrorPayload)
	if !strings.Contains(payload.Error, "quota exceeded") {
		t.Fatalf("unexpected error %q", payload.Error)
	}
}

func TestEngineErrorSynthesizesEnd(t *testing.T) {
	eng := newFakeEngine(func(_ context.Context, em *stream.Emitter, req engine.Request) error {
		em.EmitChunk(map[string]any{"chatId": req.ChatID, "delta": "partial"})
		return errors.New("model exploded")
	})
	f := newFixture(t, eng, nil)
	chat := f.mustChat(t)

	sink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), sink, "", startMsg("r1", chat.ID))

	got := sink.Events()
	if len(got) != 3 || got[0] != stream.EventChunk || got[1] != stream.EventError || got[2] != stream.EventEnd {
		t.Fatalf("expected chunk+error+end, got %v", got)
	}
	// Internal failure details stay out of the client-facing payload.
	payload := sink.Frames()[1].Payload.(stream.ErrorPayload)
	if strings.Contains(payload.Error, "exploded") {
		t.Fatalf("internal error leaked to client: %q", payload.Error)
	}
	if f.session.ActiveStreams() != 0 {
		t.Fatalf("failed stream must deregister")
	}
}

func TestEngineReturnsWithoutTerminating(t *testing.T) {
	eng := newFakeEngine(func(_ context.Context, em *stream.Emitter, req engine.Request) error {
		em.EmitChunk(map[string]any{"chatId": req.ChatID, "delta": "x"})
		return nil
	})
	f := newFixture(t, eng, nil)
	chat := f.mustChat(t)

	sink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), sink, "", startMsg("r1", chat.ID))

	got := sink.Events()
	if len(got) != 2 || got[1] != stream.EventEnd {
		t.Fatalf("session must backstop a missing terminal event, got %v", got)
	}
	end := sink.Frames()[1].Payload.(stream.EndPayload)
	if end.ChatID != chat.ID || end.UpdatedFiles {
		t.Fatalf("backstop end must be conservative, got %+v", end)
	}
}

func TestCancelStopsStream(t *testing.T) {
	eng := newFakeEngine(func(ctx context.Context, em *stream.Emitter, req engine.Request) error {
		<-ctx.Done()
		em.EmitEnd(stream.EndPayload{ChatID: req.ChatID, UpdatedFiles: false})
		return nil
	})
	f := newFixture(t, eng, nil)
	chat := f.mustChat(t)

	sink := &testutil.RecordingSink{}
	done := make(chan struct{})
	go func() {
		f.session.HandleStart(context.Background(), sink, "", startMsg("r1", chat.ID))
		close(done)
	}()
	waitFor(t, func() bool { return f.session.ActiveStreams() == 1 })

	f.session.HandleCancel(context.Background(), sink, &wire.CancelMessage{RequestID: "r1"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not stop after cancel")
	}
	got := sink.Events()
	if len(got) == 0 || got[len(got)-1] != stream.EventEnd {
		t.Fatalf("cancelled stream must still deliver its end, got %v", got)
	}
	if f.session.ActiveStreams() != 0 {
		t.Fatalf("cancelled stream must deregister")
	}
}

func TestCancelByChatIDFallback(t *testing.T) {
	eng := newFakeEngine(func(ctx context.Context, em *stream.Emitter, req engine.Request) error {
		<-ctx.Done()
		em.EmitEnd(stream.EndPayload{ChatID: req.ChatID})
		return nil
	})
	f := newFixture(t, eng, nil)
	chat := f.mustChat(t)

	sink := &testutil.RecordingSink{}
	done := make(chan struct{})
	go func() {
		f.session.HandleStart(context.Background(), sink, "", startMsg("r1", chat.ID))
		close(done)
	}()
	waitFor(t, func() bool { return f.session.ActiveStreams() == 1 })

	// Unknown request id, known chat id.
	f.session.HandleCancel(context.Background(), sink, &wire.CancelMessage{RequestID: "stale", ChatID: chat.ID})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("chat id fallback did not cancel the stream")
	}
}

func TestCancelUnknownStream(t *testing.T) {
	release := make(chan struct{})
	eng := newFakeEngine(func(ctx context.Context, em *stream.Emitter, req engine.Request) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		em.EmitEnd(stream.EndPayload{ChatID: req.ChatID})
		return nil
	})
	f := newFixture(t, eng, nil)
	chat := f.mustChat(t)

	go f.session.HandleStart(context.Background(), &testutil.RecordingSink{}, "", startMsg("r1", chat.ID))
	waitFor(t, func() bool { return f.session.ActiveStreams() == 1 })

	sink := &testutil.RecordingSink{}
	f.session.HandleCancel(context.Background(), sink, &wire.CancelMessage{RequestID: "ghost"})

	frames := sink.Frames()
	if len(frames) != 1 || frames[0].Event != stream.EventError {
		t.Fatalf("unknown cancel must produce one error frame, got %v", sink.Events())
	}
	if f.session.ActiveStreams() != 1 {
		t.Fatalf("unknown cancel must not disturb live streams")
	}

	close(release)
}

func TestCloseTearsDownAllStreams(t *testing.T) {
	eng := newFakeEngine(func(ctx context.Context, em *stream.Emitter, req engine.Request) error {
		<-ctx.Done()
		return nil
	})
	f := newFixture(t, eng, nil)

	const n = 3
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		chat := f.mustChat(t)
		wg.Add(1)
		go func(id int64, i int) {
			defer wg.Done()
			f.session.HandleStart(context.Background(), &testutil.RecordingSink{}, "", startMsg(fmt.Sprintf("r%d", i), id))
		}(chat.ID, i)
	}
	waitFor(t, func() bool { return f.session.ActiveStreams() == n })

	f.session.Close(context.Background())
	wg.Wait()

	if f.session.ActiveStreams() != 0 {
		t.Fatalf("close must deregister every stream, %d left", f.session.ActiveStreams())
	}

	// A closed session rejects new starts.
	chat := f.mustChat(t)
	sink := &testutil.RecordingSink{}
	f.session.HandleStart(context.Background(), sink, "", startMsg("late", chat.ID))
	frames := sink.Frames()
	if len(frames) != 1 || frames[0].Event != stream.EventError {
		t.Fatalf("closed session must reject starts, got %v", sink.Events())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

// gatedTenantStore blocks workspace resolution until released, so a test can
// hold a start inside its admission checks while other calls race it.
type gatedTenantStore struct {
	*memTenantStore
	gate chan struct{}
}

func (g *gatedTenantStore) EnsureWorkspace(ctx context.Context, orgID, workspaceID string) error {
	<-g.gate
	return g.memTenantStore.EnsureWorkspace(ctx, orgID, workspaceID)
}

func TestCancelDuringAdmissionStopsStream(t *testing.T) {
	engineStarted := make(chan struct{}, 1)
	eng := newFakeEngine(func(ctx context.Context, em *stream.Emitter, req engine.Request) error {
		engineStarted <- struct{}{}
		em.EmitEnd(stream.EndPayload{ChatID: req.ChatID, UpdatedFiles: false})
		return nil
	})

	store := newMemTenantStore()
	if err := store.EnsureWorkspace(context.Background(), "org-1", "ws-1"); err != nil {
		t.Fatalf("EnsureWorkspace: %v", err)
	}
	chat, err := store.CreateChat(context.Background(), "org-1", "ws-1", "test")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	gated := &gatedTenantStore{memTenantStore: store, gate: make(chan struct{})}

	sess, err := New(Options{
		Resolver: tenant.NewResolver(gated, nil, true),
		Engine:   eng,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &testutil.RecordingSink{}
	done := make(chan struct{})
	go func() {
		sess.HandleStart(context.Background(), sink, "", startMsg("r1", chat.ID))
		close(done)
	}()
	waitFor(t, func() bool { return sess.ActiveStreams() == 1 })

	// The start is parked in scope resolution; cancel it from here.
	cancelSink := &testutil.RecordingSink{}
	sess.HandleCancel(context.Background(), cancelSink, &wire.CancelMessage{RequestID: "r1"})
	if got := cancelSink.Events(); len(got) != 0 {
		t.Fatalf("cancel of a located stream must not produce frames, got %v", got)
	}
	if sess.ActiveStreams() != 0 {
		t.Fatalf("cancelled stream must deregister")
	}

	close(gated.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not unwind after cancel")
	}

	select {
	case <-engineStarted:
		t.Fatalf("engine must not start for a stream cancelled during admission")
	default:
	}
	got := sink.Events()
	if len(got) != 1 || got[0] != stream.EventEnd {
		t.Fatalf("expected a single end frame, got %v", got)
	}
}

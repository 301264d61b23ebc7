// Package session multiplexes logical chat streams over one client
// connection. A Session owns the registries keyed by request id and chat id,
// admits or rejects start messages, routes cancels, and guarantees that
// everything it registered is torn down when the connection goes away.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/appforge-gateway/internal/audit"
	"github.com/appforge/appforge-gateway/internal/engine"
	"github.com/appforge/appforge-gateway/internal/hooks"
	"github.com/appforge/appforge-gateway/internal/ledger"
	"github.com/appforge/appforge-gateway/internal/metrics"
	"github.com/appforge/appforge-gateway/internal/quota"
	"github.com/appforge/appforge-gateway/internal/stream"
	"github.com/appforge/appforge-gateway/internal/tenant"
	"github.com/appforge/appforge-gateway/internal/wire"
)

// DefaultEngineTimeout bounds a single generation turn. Long enough for big
// builds, short enough that a hung engine cannot pin a stream forever.
const DefaultEngineTimeout = 10 * time.Minute

// UsageGate admits work against tenant limits. Enforce reserves before the
// stream starts; Charge records actuals after it ends.
type UsageGate interface {
	Enforce(ctx context.Context, tctx tenant.Context, metric string, value int64) error
	Charge(ctx context.Context, tctx tenant.Context, metric string, value int64) error
}

// Options configures a Session. Resolver and Engine are required; the rest
// degrade to no-ops when nil.
type Options struct {
	Resolver      *tenant.Resolver
	Engine        engine.Engine
	Usage         UsageGate
	Audit         audit.Recorder
	Ledger        ledger.Store
	Hooks         *hooks.Dispatcher
	Metrics       *metrics.Collector
	Logger        *log.Logger
	EngineTimeout time.Duration
}

// liveStream is one in-flight logical stream registered in both maps.
// requestID and chatID are immutable; every other field is written by the
// start goroutine and read by cancel/close paths, so all access to them
// must hold Session.mu.
type liveStream struct {
	requestID string
	chatID    int64
	tctx      tenant.Context
	emitter   *stream.Emitter
	cancel    context.CancelFunc
	cancelled bool
}

// Session is the per-connection stream coordinator. All methods are safe for
// concurrent use; transports may run HandleStart calls in goroutines.
type Session struct {
	id   string
	opts Options

	mu          sync.Mutex
	byRequestID map[string]*liveStream
	byChatID    map[int64]*liveStream
	closed      bool
}

// New creates a Session for one client connection.
func New(opts Options) (*Session, error) {
	if opts.Resolver == nil {
		return nil, errors.New("session requires a tenant resolver")
	}
	if opts.Engine == nil {
		return nil, errors.New("session requires an engine")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = DefaultEngineTimeout
	}
	return &Session{
		id:          uuid.NewString(),
		opts:        opts,
		byRequestID: make(map[string]*liveStream),
		byChatID:    make(map[int64]*liveStream),
	}, nil
}

// ID returns the session identifier used in logs and audit records.
func (s *Session) ID() string { return s.id }

// ActiveStreams returns the number of in-flight streams.
func (s *Session) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byRequestID)
}

// HandleStart admits and runs one stream. It blocks until the stream reaches
// its terminal event, so transports that interleave streams call it in a
// goroutine. Rejections surface as a single error frame through sink with no
// synthetic end: a stream that never started has nothing to terminate.
func (s *Session) HandleStart(ctx context.Context, sink stream.Sink, token string, msg *wire.StartMessage) {
	ls, err := s.register(msg)
	if err != nil {
		s.rejectStart(sink, msg, err)
		return
	}

	em := stream.NewEmitter(sink, msg.ChatID)
	tctx, err := s.opts.Resolver.ResolveContext(ctx, token, msg.OrgID, msg.WorkspaceID)
	if err != nil {
		s.deregister(ls)
		s.opts.Logger.Printf("session %s: start %s rejected: %v", s.id, msg.RequestID, err)
		em.EmitError(stream.ErrorPayload{ChatID: msg.ChatID, Error: err.Error()})
		s.auditStart(tctx, msg, audit.OutcomeDenied)
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordScopeRejection()
		}
		return
	}
	s.mu.Lock()
	ls.tctx = tctx
	s.mu.Unlock()

	if _, err := s.opts.Resolver.EnsureChat(ctx, tctx, msg.ChatID); err != nil {
		s.deregister(ls)
		em.EmitError(stream.ErrorPayload{ChatID: msg.ChatID, Error: err.Error()})
		s.auditStart(tctx, msg, audit.OutcomeDenied)
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordScopeRejection()
		}
		return
	}

	if s.opts.Usage != nil {
		if err := s.opts.Usage.Enforce(ctx, tctx, quota.MetricRequests, 1); err != nil {
			s.deregister(ls)
			em.EmitError(stream.ErrorPayload{ChatID: msg.ChatID, Error: err.Error()})
			s.auditStart(tctx, msg, audit.OutcomeDenied)
			if s.opts.Metrics != nil {
				s.opts.Metrics.RecordQuotaRejection()
			}
			return
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.EngineTimeout)
	defer cancel()
	s.mu.Lock()
	ls.emitter = em
	ls.cancel = cancel
	wasCancelled := ls.cancelled
	s.mu.Unlock()

	// A cancel that arrived while admission checks were still resolving has
	// already been audited; terminate before the engine ever runs.
	if wasCancelled {
		s.deregister(ls)
		em.EmitEnd(stream.EndPayload{ChatID: msg.ChatID, UpdatedFiles: false})
		return
	}

	// Deregistration, charging and the end-of-stream audit record ride on
	// the terminal event so they fire exactly once no matter which path
	// terminated the stream.
	em.OnEnd(func(end stream.EndPayload) {
		s.deregister(ls)
		s.chargeTokens(tctx, msg, end)
		s.auditEnd(tctx, msg, end)
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordStreamEnd()
			s.opts.Metrics.RecordTokenUsage(tctx.OrgID, end.TokensUsed)
		}
		s.emitHook(hooks.EventStreamEnded, tctx, msg, map[string]any{
			"updatedFiles": end.UpdatedFiles,
			"tokensUsed":   end.TokensUsed,
		})
	})

	s.auditStart(tctx, msg, audit.OutcomeOK)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordStreamStart()
	}
	s.emitHook(hooks.EventStreamStarted, tctx, msg, map[string]any{
		"promptLength": len(msg.Prompt),
	})
	s.opts.Logger.Printf("session %s: stream %s started (chat %d, org %s)", s.id, msg.RequestID, msg.ChatID, tctx.OrgID)

	err = s.opts.Engine.Start(runCtx, em, engine.Request{
		RequestID:          msg.RequestID,
		ChatID:             msg.ChatID,
		Prompt:             msg.Prompt,
		Redo:               msg.Redo,
		Attachments:        msg.Attachments,
		SelectedComponents: msg.SelectedComponents,
	})
	if err != nil && !em.Ended() {
		s.opts.Logger.Printf("session %s: stream %s engine error: %v", s.id, msg.RequestID, err)
		em.EmitError(stream.ErrorPayload{ChatID: msg.ChatID, Error: "generation failed"})
		return
	}
	// An engine that returns without terminating still owes the client an
	// end; emit the conservative one.
	if !em.Ended() {
		em.EmitEnd(stream.EndPayload{ChatID: msg.ChatID, UpdatedFiles: false})
	}
}

// HandleCancel routes a cancel to the matching stream. Unknown ids produce an
// error frame and leave all live streams untouched. A cancelled stream is
// deregistered immediately, but its emitter stays alive so the engine's own
// terminal event still reaches the client.
func (s *Session) HandleCancel(ctx context.Context, sink stream.Sink, msg *wire.CancelMessage) {
	s.mu.Lock()
	ls := s.byRequestID[msg.RequestID]
	if ls == nil && msg.ChatID != 0 {
		ls = s.byChatID[msg.ChatID]
	}
	var tctx tenant.Context
	if ls != nil {
		tctx = ls.tctx
	}
	s.mu.Unlock()

	if ls == nil {
		_ = sink.Deliver(stream.EventError, stream.ErrorPayload{
			ChatID: msg.ChatID,
			Error:  fmt.Sprintf("no active stream for request %s", msg.RequestID),
		})
		return
	}

	// The chat may have been deleted or rescoped since admission. A cancel
	// racing the start's own scope resolution has no pinned scope yet and
	// skips the re-check; the start path is still doing it.
	if tctx.OrgID != "" {
		if _, err := s.opts.Resolver.EnsureChat(ctx, tctx, ls.chatID); err != nil {
			_ = sink.Deliver(stream.EventError, stream.ErrorPayload{ChatID: ls.chatID, Error: err.Error()})
			return
		}
	}

	// Mark first so a start still inside its admission checks observes the
	// cancel, then re-read the cancel func the start may have installed since
	// the lookup above.
	s.mu.Lock()
	ls.cancelled = true
	cancelRun := ls.cancel
	s.mu.Unlock()

	s.opts.Logger.Printf("session %s: cancelling stream %s (chat %d)", s.id, ls.requestID, ls.chatID)
	if err := s.opts.Engine.Cancel(ctx, ls.chatID); err != nil {
		s.opts.Logger.Printf("session %s: engine cancel %d: %v", s.id, ls.chatID, err)
	}
	if cancelRun != nil {
		cancelRun()
	}

	s.deregister(ls)
	s.auditCancel(ls.requestID, ls.chatID, tctx)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordStreamCancel()
	}
	s.emitHook(hooks.EventStreamCancelled, tctx, &wire.StartMessage{RequestID: ls.requestID, ChatID: ls.chatID}, nil)
}

// Close tears down every live stream. Called when the connection drops; the
// sink is typically already closed, so terminal events are suppressed but the
// per-stream bookkeeping still runs.
func (s *Session) Close(ctx context.Context) {
	type closing struct {
		ls      *liveStream
		emitter *stream.Emitter
		cancel  context.CancelFunc
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	live := make([]closing, 0, len(s.byRequestID))
	for _, ls := range s.byRequestID {
		ls.cancelled = true
		live = append(live, closing{ls: ls, emitter: ls.emitter, cancel: ls.cancel})
	}
	s.mu.Unlock()

	for _, c := range live {
		if err := s.opts.Engine.Cancel(ctx, c.ls.chatID); err != nil {
			s.opts.Logger.Printf("session %s: close cancel %d: %v", s.id, c.ls.chatID, err)
		}
		if c.cancel != nil {
			c.cancel()
		}
		if c.emitter != nil {
			c.emitter.EmitEnd(stream.EndPayload{ChatID: c.ls.chatID, UpdatedFiles: false})
		} else {
			s.deregister(c.ls)
		}
	}
	if len(live) > 0 {
		s.opts.Logger.Printf("session %s: closed with %d live streams", s.id, len(live))
	}
}

// register reserves both keys atomically so two racing starts can never both
// win, regardless of which key they collide on.
func (s *Session) register(msg *wire.StartMessage) (*liveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session is closed")
	}
	if _, ok := s.byRequestID[msg.RequestID]; ok {
		return nil, fmt.Errorf("request %s already has an active stream", msg.RequestID)
	}
	if _, ok := s.byChatID[msg.ChatID]; ok {
		return nil, fmt.Errorf("chat %d already has an active stream", msg.ChatID)
	}
	ls := &liveStream{requestID: msg.RequestID, chatID: msg.ChatID}
	s.byRequestID[msg.RequestID] = ls
	s.byChatID[msg.ChatID] = ls
	return ls, nil
}

func (s *Session) deregister(ls *liveStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byRequestID[ls.requestID] == ls {
		delete(s.byRequestID, ls.requestID)
	}
	if s.byChatID[ls.chatID] == ls {
		delete(s.byChatID, ls.chatID)
	}
}

func (s *Session) rejectStart(sink stream.Sink, msg *wire.StartMessage, err error) {
	s.opts.Logger.Printf("session %s: start %s rejected: %v", s.id, msg.RequestID, err)
	_ = sink.Deliver(stream.EventError, stream.ErrorPayload{ChatID: msg.ChatID, Error: err.Error()})
}

func (s *Session) chargeTokens(tctx tenant.Context, msg *wire.StartMessage, end stream.EndPayload) {
	if end.TokensUsed <= 0 {
		return
	}
	ctx := context.Background()
	if s.opts.Usage != nil {
		if err := s.opts.Usage.Charge(ctx, tctx, quota.MetricTokens, end.TokensUsed); err != nil {
			s.opts.Logger.Printf("session %s: charge tokens for %s: %v", s.id, msg.RequestID, err)
		}
	}
	if s.opts.Ledger != nil {
		err := s.opts.Ledger.Record(ctx, ledger.Entry{
			OrgID:            tctx.OrgID,
			WorkspaceID:      tctx.WorkspaceID,
			ChatID:           msg.ChatID,
			RequestID:        msg.RequestID,
			CompletionTokens: end.TokensUsed,
			Direction:        ledger.DirectionConsume,
			Memo:             "chat stream",
		})
		if err != nil {
			// The stream already terminated; nothing to fail, just log.
			s.opts.Logger.Printf("session %s: ledger record for %s: %v", s.id, msg.RequestID, err)
		}
	}
}

func (s *Session) auditStart(tctx tenant.Context, msg *wire.StartMessage, outcome string) {
	s.recordAudit(audit.Event{
		Action:       audit.ActionStreamStart,
		ResourceType: "chat",
		ResourceID:   fmt.Sprintf("%d", msg.ChatID),
		OrgID:        orgOrAsserted(tctx, msg),
		WorkspaceID:  msg.WorkspaceID,
		UserEmail:    tctx.UserEmail,
		Outcome:      outcome,
		Metadata: map[string]any{
			"requestId":    msg.RequestID,
			"promptLength": len(msg.Prompt),
			"redo":         msg.Redo,
		},
	})
}

func (s *Session) auditCancel(requestID string, chatID int64, tctx tenant.Context) {
	s.recordAudit(audit.Event{
		Action:       audit.ActionStreamCancel,
		ResourceType: "chat",
		ResourceID:   fmt.Sprintf("%d", chatID),
		OrgID:        tctx.OrgID,
		WorkspaceID:  tctx.WorkspaceID,
		UserEmail:    tctx.UserEmail,
		Metadata:     map[string]any{"requestId": requestID},
	})
}

func (s *Session) auditEnd(tctx tenant.Context, msg *wire.StartMessage, end stream.EndPayload) {
	s.recordAudit(audit.Event{
		Action:       audit.ActionStreamEnd,
		ResourceType: "chat",
		ResourceID:   fmt.Sprintf("%d", msg.ChatID),
		OrgID:        tctx.OrgID,
		WorkspaceID:  tctx.WorkspaceID,
		UserEmail:    tctx.UserEmail,
		Metadata: map[string]any{
			"requestId":    msg.RequestID,
			"updatedFiles": end.UpdatedFiles,
			"tokensUsed":   end.TokensUsed,
		},
	})
}

// recordAudit is fire-and-forget: audit must never block or fail a stream.
func (s *Session) recordAudit(event audit.Event) {
	if s.opts.Audit == nil || event.OrgID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.opts.Audit.Record(ctx, event); err != nil {
			s.opts.Logger.Printf("session %s: audit %s: %v", s.id, event.Action, err)
		}
	}()
}

func (s *Session) emitHook(typ hooks.EventType, tctx tenant.Context, msg *wire.StartMessage, metadata map[string]any) {
	if s.opts.Hooks == nil {
		return
	}
	event := hooks.Event{
		ID:          uuid.NewString(),
		Type:        typ,
		OccurredAt:  time.Now().UTC(),
		OrgID:       tctx.OrgID,
		WorkspaceID: tctx.WorkspaceID,
		ChatID:      msg.ChatID,
		RequestID:   msg.RequestID,
		Metadata:    metadata,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.opts.Hooks.Emit(ctx, event); err != nil {
			s.opts.Logger.Printf("session %s: hook %s: %v", s.id, typ, err)
		}
	}()
}

func orgOrAsserted(tctx tenant.Context, msg *wire.StartMessage) string {
	if tctx.OrgID != "" {
		return tctx.OrgID
	}
	return msg.OrgID
}

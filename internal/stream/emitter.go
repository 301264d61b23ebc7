package stream

import "sync"

// Emitter enforces the exactly-once termination contract for one logical
// stream. The generation engine, the cancel path and connection-close cleanup
// may all race to terminate the same stream; whatever the interleaving, the
// consumer observes precisely one terminal end event.
//
// Delivery errors are swallowed: a sink that cannot accept frames anymore is
// equivalent to a closed one, and the caller has no recovery path mid-stream.
type Emitter struct {
	sink   Sink
	chatID int64

	mu    sync.Mutex
	ended bool
	onEnd func(EndPayload)
}

// NewEmitter wraps sink for the stream owned by chatID.
func NewEmitter(sink Sink, chatID int64) *Emitter {
	return &Emitter{sink: sink, chatID: chatID}
}

// OnEnd registers a hook invoked exactly once, after the terminal end frame
// has been handed to the sink (or suppressed on a closed sink). The session
// uses it for deregistration and usage accounting. Must be set before the
// engine is started.
func (e *Emitter) OnEnd(fn func(EndPayload)) {
	e.mu.Lock()
	e.onEnd = fn
	e.mu.Unlock()
}

// ChatID returns the chat this emitter is scoped to.
func (e *Emitter) ChatID() int64 {
	return e.chatID
}

// EmitChunk forwards an opaque chunk payload. No-op after termination.
func (e *Emitter) EmitChunk(payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	e.deliver(EventChunk, payload)
}

// EmitError forwards the error, then synthesizes the terminal end with a
// conservative "no files updated" payload. Subsequent calls are no-ops.
func (e *Emitter) EmitError(payload ErrorPayload) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	if payload.ChatID == 0 {
		payload.ChatID = e.chatID
	}
	e.deliver(EventError, payload)
	end := EndPayload{ChatID: e.chatID, UpdatedFiles: false}
	e.deliver(EventEnd, end)
	e.ended = true
	hook := e.onEnd
	e.mu.Unlock()

	if hook != nil {
		hook(end)
	}
}

// EmitEnd forwards the given end payload once; idempotent.
func (e *Emitter) EmitEnd(payload EndPayload) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	if payload.ChatID == 0 {
		payload.ChatID = e.chatID
	}
	e.deliver(EventEnd, payload)
	e.ended = true
	hook := e.onEnd
	e.mu.Unlock()

	if hook != nil {
		hook(payload)
	}
}

// Ended reports whether the stream has reached its terminal state.
func (e *Emitter) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// deliver writes to the sink unless the transport reports itself closed.
// Callers hold e.mu.
func (e *Emitter) deliver(event string, payload any) {
	if e.sink.IsClosed() {
		return
	}
	_ = e.sink.Deliver(event, payload)
}

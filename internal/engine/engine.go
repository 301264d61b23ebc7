// Package engine defines the contract between the streaming layer and the
// generation engine. The engine is an opaque collaborator: the only guarantee
// this side makes is that the emitter it hands over obeys the exactly-once
// termination contract.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/appforge/appforge-gateway/internal/stream"
	"github.com/appforge/appforge-gateway/internal/wire"
)

// Request carries everything the engine needs for one chat turn.
type Request struct {
	RequestID          string
	ChatID             int64
	Prompt             string
	Redo               bool
	Attachments        []wire.Attachment
	SelectedComponents []wire.ComponentSelection
}

// Engine produces chunk/error/end events for a chat turn.
type Engine interface {
	// Start runs one generation turn, emitting events through em until a
	// terminal event. Blocks until the turn is finished or ctx is done.
	Start(ctx context.Context, em *stream.Emitter, req Request) error

	// Cancel asks the engine to stop the in-flight turn for chatID.
	// Cooperative and best-effort; the engine may still emit events that
	// were already in flight.
	Cancel(ctx context.Context, chatID int64) error
}

var (
	defaultMu      sync.Mutex
	defaultOnce    sync.Once
	defaultEngine  Engine
	defaultFactory func() (Engine, error)
)

// SetDefaultFactory installs the constructor used by Default. The factory
// runs at most once, on first use, so engine initialization cost is not paid
// until a stream actually starts.
func SetDefaultFactory(fn func() (Engine, error)) {
	defaultMu.Lock()
	defaultFactory = fn
	defaultMu.Unlock()
}

// Default returns the lazily initialized process-wide engine.
func Default() (Engine, error) {
	var initErr error
	defaultOnce.Do(func() {
		defaultMu.Lock()
		fn := defaultFactory
		defaultMu.Unlock()
		if fn == nil {
			initErr = errors.New("engine: no default factory configured")
			return
		}
		defaultEngine, initErr = fn()
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultEngine == nil {
		return nil, errors.New("engine: default engine unavailable")
	}
	return defaultEngine, nil
}

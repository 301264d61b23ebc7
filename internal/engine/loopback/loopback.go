// Package loopback provides a deterministic in-process engine that echoes
// the prompt back as chunked output. Used by the dev configuration and by
// tests exercising the full streaming pipeline without a real model.
package loopback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/appforge/appforge-gateway/internal/engine"
	"github.com/appforge/appforge-gateway/internal/stream"
)

// Ensure Loopback implements Engine.
var _ engine.Engine = (*Loopback)(nil)

// Loopback echoes prompts word by word.
type Loopback struct {
	// ChunkDelay adds latency between chunks so cancellation paths are
	// observable in tests. Zero means no delay.
	ChunkDelay time.Duration

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// New creates a Loopback engine.
func New() *Loopback {
	return &Loopback{cancels: make(map[int64]context.CancelFunc)}
}

// Start emits "[loopback]" followed by each prompt word as a chunk, then a
// terminal end reporting an approximate token count.
func (l *Loopback) Start(ctx context.Context, em *stream.Emitter, req engine.Request) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	l.cancels[req.ChatID] = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.cancels, req.ChatID)
		l.mu.Unlock()
	}()

	words := strings.Fields("[loopback] " + strings.TrimSpace(req.Prompt))
	for _, word := range words {
		select {
		case <-runCtx.Done():
			em.EmitEnd(stream.EndPayload{ChatID: req.ChatID, UpdatedFiles: false})
			return nil
		default:
		}
		em.EmitChunk(map[string]any{"chatId": req.ChatID, "delta": word + " "})
		if l.ChunkDelay > 0 {
			select {
			case <-runCtx.Done():
				em.EmitEnd(stream.EndPayload{ChatID: req.ChatID, UpdatedFiles: false})
				return nil
			case <-time.After(l.ChunkDelay):
			}
		}
	}

	em.EmitEnd(stream.EndPayload{
		ChatID:       req.ChatID,
		UpdatedFiles: false,
		TokensUsed:   int64(len(req.Prompt)/4 + 1),
	})
	return nil
}

// Cancel stops the in-flight turn for chatID, if any.
func (l *Loopback) Cancel(ctx context.Context, chatID int64) error {
	l.mu.Lock()
	cancel := l.cancels[chatID]
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/appforge/appforge-gateway/internal/metrics"
	"github.com/appforge/appforge-gateway/internal/session"
	"github.com/appforge/appforge-gateway/internal/wire"
)

// chunkedRequest is the JSON body of POST /v1/chat/stream. It mirrors the
// websocket start message minus the type discriminant.
type chunkedRequest struct {
	RequestID          string                    `json:"requestId"`
	OrgID              string                    `json:"orgId"`
	WorkspaceID        string                    `json:"workspaceId"`
	ChatID             int64                     `json:"chatId"`
	Prompt             string                    `json:"prompt"`
	Redo               bool                      `json:"redo"`
	Attachments        []wire.Attachment         `json:"attachments,omitempty"`
	SelectedComponents []wire.ComponentSelection `json:"selectedComponents,omitempty"`
}

// sseSink writes server events as SSE blocks. The chunked transport carries
// exactly one logical stream, so no request id stamping is needed.
type sseSink struct {
	ctx     context.Context
	w       io.Writer
	flusher http.Flusher
	metrics *metrics.Collector

	mu sync.Mutex
}

func (k *sseSink) Deliver(event string, payload any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ctx.Err() != nil {
		return k.ctx.Err()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(k.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if k.flusher != nil {
		k.flusher.Flush()
	}
	if k.metrics != nil {
		k.metrics.RecordFrame(event)
	}
	return nil
}

func (k *sseSink) IsClosed() bool { return k.ctx.Err() != nil }

// handleChatStream runs one stream over chunked HTTP. The response is SSE
// formatted; the stream's terminal event closes the response body.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req chunkedRequest
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("prompt must not be empty"))
		return
	}
	if req.ChatID <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("chatId must be a positive integer"))
		return
	}
	if strings.TrimSpace(req.OrgID) == "" || strings.TrimSpace(req.WorkspaceID) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("orgId and workspaceId are required"))
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !s.reserveChunkedChat(req.ChatID, cancel) {
		s.respondError(w, http.StatusConflict, fmt.Errorf("chat %d already has an active stream", req.ChatID))
		return
	}
	defer s.releaseChunkedChat(req.ChatID)

	sess, err := session.New(s.sessionOptions())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordConnection("chunked")
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	sink := &sseSink{ctx: ctx, w: w, flusher: flusher, metrics: s.opts.Metrics}
	sess.HandleStart(ctx, sink, bearerToken(r), &wire.StartMessage{
		RequestID:          req.RequestID,
		OrgID:              req.OrgID,
		WorkspaceID:        req.WorkspaceID,
		ChatID:             req.ChatID,
		Prompt:             req.Prompt,
		Redo:               req.Redo,
		Attachments:        req.Attachments,
		SelectedComponents: req.SelectedComponents,
	})
}

// handleChatCancel cancels an in-flight chunked stream. Best effort: the
// response is 204 whether or not a stream was found, so retried cancels and
// races with natural completion are indistinguishable from success.
func (s *Server) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || chatID <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("chatID must be a positive integer"))
		return
	}

	s.chunkedMu.Lock()
	cancel := s.chunkedStreams[chatID]
	s.chunkedMu.Unlock()
	if cancel != nil {
		if err := s.opts.Engine.Cancel(r.Context(), chatID); err != nil {
			s.logf("chunked cancel chat %d: engine: %v", chatID, err)
		}
		cancel()
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordStreamCancel()
		}
		s.debugf("chunked stream for chat %d cancelled", chatID)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reserveChunkedChat(chatID int64, cancel context.CancelFunc) bool {
	s.chunkedMu.Lock()
	defer s.chunkedMu.Unlock()
	if _, ok := s.chunkedStreams[chatID]; ok {
		return false
	}
	s.chunkedStreams[chatID] = cancel
	return true
}

func (s *Server) releaseChunkedChat(chatID int64) {
	s.chunkedMu.Lock()
	delete(s.chunkedStreams, chatID)
	s.chunkedMu.Unlock()
}

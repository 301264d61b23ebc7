package httpserver

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/appforge/appforge-gateway/internal/metrics"
	"github.com/appforge/appforge-gateway/internal/session"
	"github.com/appforge/appforge-gateway/internal/stream"
	"github.com/appforge/appforge-gateway/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway sits behind the app's own origin or a dev proxy; origin
	// enforcement happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes frame writes to one websocket connection. gorilla permits
// a single concurrent writer, and multiple logical streams share the socket.
type wsConn struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics *metrics.Collector
	closed  bool
}

func (c *wsConn) write(frame wire.ServerFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.closed = true
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordFrame(frame.Event)
	}
	return nil
}

func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// wsSink adapts one logical stream onto the shared connection, stamping the
// originating request id onto every frame.
type wsSink struct {
	conn      *wsConn
	requestID string
}

func (k *wsSink) Deliver(event string, payload any) error {
	return k.conn.write(wire.ServerFrame{Event: event, RequestID: k.requestID, Payload: payload})
}

func (k *wsSink) IsClosed() bool { return k.conn.isClosed() }

// handleWebSocket upgrades the connection and runs the read loop. Each
// connection gets its own session; starts run in goroutines so streams
// interleave, cancels are handled inline.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("ws upgrade: %v", err)
		return
	}
	conn.SetReadLimit(s.opts.WSReadLimit)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordConnection("websocket")
	}

	sess, err := session.New(s.sessionOptions())
	if err != nil {
		_ = conn.Close()
		s.logf("ws session: %v", err)
		return
	}
	token := bearerToken(r)
	wc := &wsConn{conn: conn, metrics: s.opts.Metrics}
	s.debugf("ws connection open, session %s", sess.ID())

	defer func() {
		wc.markClosed()
		sess.Close(r.Context())
		_ = conn.Close()
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordDisconnect()
		}
		s.debugf("ws connection closed, session %s", sess.ID())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.ParseClientMessage(data)
		if err != nil {
			if s.opts.Metrics != nil {
				s.opts.Metrics.RecordParseRejection()
			}
			_ = wc.write(wire.ServerFrame{
				Event:   stream.EventError,
				Payload: stream.ErrorPayload{Error: err.Error()},
			})
			continue
		}
		switch {
		case msg.Start != nil:
			start := msg.Start
			go sess.HandleStart(r.Context(), &wsSink{conn: wc, requestID: start.RequestID}, token, start)
		case msg.Cancel != nil:
			sess.HandleCancel(r.Context(), &wsSink{conn: wc, requestID: msg.Cancel.RequestID}, msg.Cancel)
		}
	}
}

// Package bridge embeds the streaming session layer in-process, for hosts
// that own their own transport (a desktop shell, an IPC channel) and just
// want frames delivered to a callback.
package bridge

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/appforge/appforge-gateway/internal/metrics"
	"github.com/appforge/appforge-gateway/internal/session"
	"github.com/appforge/appforge-gateway/internal/stream"
	"github.com/appforge/appforge-gateway/internal/wire"
)

// EmitFunc receives every outbound frame. It must not block; slow consumers
// should buffer on their side.
type EmitFunc func(frame wire.ServerFrame)

// Dispatcher owns one long-lived session and feeds its output to an EmitFunc.
// It plays the role a websocket connection plays for remote clients.
type Dispatcher struct {
	sess    *session.Session
	emit    EmitFunc
	metrics *metrics.Collector
	closed  atomic.Bool
}

// New creates a Dispatcher. The session options carry the resolver, engine
// and bookkeeping stores; emit receives all frames.
func New(opts session.Options, emit EmitFunc) (*Dispatcher, error) {
	if emit == nil {
		return nil, errors.New("bridge requires an emit callback")
	}
	sess, err := session.New(opts)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{sess: sess, emit: emit, metrics: opts.Metrics}
	if d.metrics != nil {
		d.metrics.RecordConnection("bridge")
	}
	return d, nil
}

// callbackSink stamps the originating request id and forwards to the host.
type callbackSink struct {
	d         *Dispatcher
	requestID string
}

func (k callbackSink) Deliver(event string, payload any) error {
	if k.d.closed.Load() {
		return errors.New("bridge is closed")
	}
	k.d.emit(wire.ServerFrame{Event: event, RequestID: k.requestID, Payload: payload})
	if k.d.metrics != nil {
		k.d.metrics.RecordFrame(event)
	}
	return nil
}

func (k callbackSink) IsClosed() bool { return k.d.closed.Load() }

// Dispatch feeds one raw client frame into the session. Starts run in a
// goroutine so the host can keep dispatching while streams are live; cancels
// are handled inline. Parse failures are reported both as an error frame and
// as the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, token string, raw []byte) error {
	if d.closed.Load() {
		return errors.New("bridge is closed")
	}
	msg, err := wire.ParseClientMessage(raw)
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordParseRejection()
		}
		d.emit(wire.ServerFrame{Event: stream.EventError, Payload: stream.ErrorPayload{Error: err.Error()}})
		return err
	}
	switch {
	case msg.Start != nil:
		start := msg.Start
		go d.sess.HandleStart(ctx, callbackSink{d: d, requestID: start.RequestID}, token, start)
	case msg.Cancel != nil:
		d.sess.HandleCancel(ctx, callbackSink{d: d, requestID: msg.Cancel.RequestID}, msg.Cancel)
	}
	return nil
}

// Start begins one stream directly, bypassing the wire codec. Blocks until
// the stream terminates; hosts that want concurrency call it in a goroutine.
func (d *Dispatcher) Start(ctx context.Context, token string, msg *wire.StartMessage) {
	d.sess.HandleStart(ctx, callbackSink{d: d, requestID: msg.RequestID}, token, msg)
}

// Cancel cancels one stream directly.
func (d *Dispatcher) Cancel(ctx context.Context, msg *wire.CancelMessage) {
	d.sess.HandleCancel(ctx, callbackSink{d: d, requestID: msg.RequestID}, msg)
}

// ActiveStreams reports in-flight streams, mainly for host shutdown logic.
func (d *Dispatcher) ActiveStreams() int { return d.sess.ActiveStreams() }

// Close tears the session down. Frames stop flowing; live streams are
// cancelled and their bookkeeping runs.
func (d *Dispatcher) Close(ctx context.Context) {
	if d.closed.Swap(true) {
		return
	}
	d.sess.Close(ctx)
	if d.metrics != nil {
		d.metrics.RecordDisconnect()
	}
}

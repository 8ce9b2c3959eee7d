// Package rpc implements the bidirectional call layer over the ipc framer.
//
// The host and the extension are symmetric peers: either side may issue a
// request and expects exactly one reply per request. Outbound calls are
// correlated by id; inbound requests run on their own goroutine so the
// decode loop is never blocked by a slow handler.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/coapp/ipc"
	"github.com/pithecene-io/coapp/log"
	"github.com/pithecene-io/coapp/metrics"
)

// Options configures an Engine. Zero values are valid.
type Options struct {
	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Engine correlates outbound calls with replies and dispatches inbound
// requests to a Registry.
type Engine struct {
	dec      *ipc.FrameDecoder
	enc      *ipc.FrameEncoder
	registry *Registry
	logger   *log.Logger
	metrics  *metrics.Collector

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	closed   bool
	stopping bool

	// cancelHandlers ends the context handlers receive.
	cancelHandlers context.CancelFunc

	inflight sync.WaitGroup
}

type pendingCall struct {
	method string
	done   chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// NewEngine creates an engine reading envelopes from r and writing to w.
func NewEngine(r io.Reader, w io.Writer, registry *Registry, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine{
		dec:      ipc.NewFrameDecoder(r),
		enc:      ipc.NewFrameEncoder(w),
		registry: registry,
		logger:   logger,
		metrics:  opts.Metrics,
		pending:  make(map[int64]*pendingCall),
	}
}

// Call issues a request to the extension and blocks until its reply.
// A call whose reply never arrives blocks until the transport closes.
func (e *Engine) Call(method string, args ...any) (json.RawMessage, error) {
	return e.CallContext(context.Background(), method, args...)
}

// CallTimeout is CallContext bounded by d.
func (e *Engine) CallTimeout(d time.Duration, method string, args ...any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return e.CallContext(ctx, method, args...)
}

// CallContext issues a request and waits for its reply or for ctx to end.
// On ctx expiry the pending call is forgotten; a late reply is then
// dropped as an orphan.
func (e *Engine) CallContext(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	rawArgs := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := ipc.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: encode argument %d: %w", method, i, err)
		}
		rawArgs[i] = raw
	}

	id := e.nextID.Add(1)
	call := &pendingCall{method: method, done: make(chan callResult, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.pending[id] = call
	e.mu.Unlock()

	e.metrics.IncOutboundCalls()
	if err := e.enc.WriteEnvelope(ipc.NewRequest(id, method, rawArgs)); err != nil {
		e.forget(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-ctx.Done():
		e.forget(id)
		return nil, ctx.Err()
	}
}

// CallInto is Call with the result unmarshalled into v.
func (e *Engine) CallInto(ctx context.Context, v any, method string, args ...any) error {
	raw, err := e.CallContext(ctx, method, args...)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (e *Engine) forget(id int64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Pending returns the number of outbound calls awaiting a reply.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Serve runs the decode loop until the input closes or breaks.
// It seals the registry first. Handlers receive a context derived from
// ctx that Drain cancels when it times out.
//
// Returns nil on clean end of input, the frame error otherwise. In both
// cases every pending outbound call fails with ErrClosed; in-flight
// handlers keep running (see Drain).
//
// Serve blocks in Read on the input; cancelling ctx does not interrupt it.
func (e *Engine) Serve(ctx context.Context) error {
	e.registry.Seal()

	// Handlers may outlive Serve; Drain releases their context.
	hctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelHandlers = cancel
	e.mu.Unlock()

	for {
		env, err := e.dec.ReadEnvelope()
		if err != nil {
			e.shutdown()
			if errors.Is(err, io.EOF) {
				e.logger.Debug("input closed", nil)
				return nil
			}
			e.metrics.IncFrameErrors()
			e.logger.Error("transport failure", map[string]any{"error": err.Error()})
			return err
		}

		switch env.Kind {
		case ipc.KindRequest:
			e.dispatch(hctx, env)
		case ipc.KindResponse:
			e.resolve(env)
		default:
			e.logger.Warn("ignoring envelope that is neither request nor reply", nil)
		}
	}
}

// Stop refuses further inbound requests: each later request gets an error
// reply without reaching its handler. Outbound calls are unaffected.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
}

// Drain stops dispatch and waits for in-flight handlers to finish, or for
// ctx to end. Either way the handlers' context is then cancelled.
func (e *Engine) Drain(ctx context.Context) error {
	e.Stop()
	defer func() {
		e.mu.Lock()
		cancel := e.cancelHandlers
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, call := range e.pending {
		call.done <- callResult{err: ErrClosed}
		delete(e.pending, id)
	}
}

func (e *Engine) dispatch(ctx context.Context, env *ipc.Envelope) {
	e.metrics.IncRequestsReceived()

	if env.Invalid != "" {
		e.logger.Warn("malformed request", map[string]any{"id": env.ID, "reason": env.Invalid})
		e.replyError(env.ID, env.Method, env.Invalid)
		return
	}

	handler, ok := e.registry.Lookup(env.Method)
	if !ok {
		e.metrics.IncUnknownMethods()
		e.logger.Warn("unknown method", map[string]any{"method": env.Method, "id": env.ID})
		e.replyError(env.ID, env.Method, unknownMethodMessage(env.Method))
		return
	}

	// Add happens under mu so that it never races with Drain's Wait.
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		e.logger.Debug("request after stop", map[string]any{"method": env.Method, "id": env.ID})
		e.replyError(env.ID, env.Method, ErrStopping.Error())
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.inflight.Done()
		result, err := e.invoke(ctx, env.Method, handler, Args(env.Args))
		if err != nil {
			e.replyError(env.ID, env.Method, errorMessage(err))
			return
		}
		e.replyResult(env.ID, env.Method, result)
	}()
}

func (e *Engine) invoke(ctx context.Context, method string, h Handler, args Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncHandlerPanics()
			e.logger.Error("handler panicked", map[string]any{
				"method": method,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
			err = fmt.Errorf("%v", r)
		}
	}()
	return h(ctx, args)
}

func (e *Engine) replyResult(id int64, method string, result any) {
	raw, err := ipc.Marshal(result)
	if err != nil {
		e.replyError(id, method, "result is not serializable: "+err.Error())
		return
	}

	err = e.enc.WriteEnvelope(ipc.NewResult(id, raw))
	if err == nil {
		e.metrics.IncRepliesOK()
		return
	}

	var frameErr *ipc.FrameError
	if errors.As(err, &frameErr) && !frameErr.IsFatal() {
		e.replyError(id, method, frameErr.Error())
		return
	}
	e.logger.Error("failed to write reply", map[string]any{"method": method, "id": id, "error": err.Error()})
}

func (e *Engine) replyError(id int64, method, message string) {
	if err := e.enc.WriteEnvelope(ipc.NewErrorReply(id, message)); err != nil {
		e.logger.Error("failed to write error reply", map[string]any{"method": method, "id": id, "error": err.Error()})
		return
	}
	e.metrics.IncRepliesError()
}

func (e *Engine) resolve(env *ipc.Envelope) {
	e.mu.Lock()
	call, ok := e.pending[env.ID]
	delete(e.pending, env.ID)
	e.mu.Unlock()

	if !ok {
		e.metrics.IncOrphanReplies()
		e.logger.Warn("dropping reply with no pending call", map[string]any{"id": env.ID})
		return
	}

	if env.IsError() {
		call.done <- callResult{err: &RemoteError{Method: call.method, Message: env.Error}}
		return
	}
	call.done <- callResult{result: env.Result}
}

// errorMessage renders a handler failure for the wire. An empty message
// would read as success on the other side.
func errorMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "handler failed"
}

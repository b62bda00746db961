package engine

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/arbor/pkg/helpers"
)

// Config tunes the engine's queue and recovery behavior.
type Config struct {
	// QueueDepth bounds the number of queued calls; a full queue rejects new
	// calls immediately instead of queueing unboundedly.
	QueueDepth int
	// CallTimeout is the per-call deadline. An expired call rejects the
	// caller; the engine may still finish the request server-side, the
	// result is then discarded.
	CallTimeout time.Duration
	// MaxRestarts bounds crash recovery. Once exceeded the engine stays in a
	// persistent-failure state until the process restarts.
	MaxRestarts int
	// RestartBackoff is the initial restart delay; it doubles per restart.
	RestartBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 100 * time.Millisecond
	}
}

type call struct {
	req    Request
	result chan helpers.Result[json.RawMessage]
}

// deliver never blocks: the result channel is buffered so an abandoned
// (timed-out) caller simply leaves the result to the garbage collector.
func (c *call) deliver(raw json.RawMessage, err error) {
	if err != nil {
		c.result <- helpers.NewErrorResult[json.RawMessage](err)
		return
	}
	c.result <- helpers.NewValueResult(raw)
}

// Engine is the single-writer persistence execution context. Exactly one
// goroutine owns the store handle and executes requests in strict arrival
// order; callers communicate exclusively through Call.
type Engine struct {
	cfg     Config
	factory HandlerFactory
	logger  zerolog.Logger

	requests chan *call
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	failed atomic.Bool
	closed atomic.Bool

	// inFlight is only touched from the run loop and its recover handler
	inFlight *call
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

func New(factory HandlerFactory, options ...Option) (*Engine, error) {
	if factory == nil {
		return nil, errors.New("engine: nil handler factory")
	}
	e := &Engine{
		factory: factory,
		logger:  log.Logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range options {
		o(e)
	}
	e.cfg.setDefaults()
	e.requests = make(chan *call, e.cfg.QueueDepth)

	go e.supervise()
	return e, nil
}

// Call enqueues a request and blocks until it resolves, is rejected, or
// times out. States per call: queued -> in-flight -> resolved | rejected |
// timed-out.
func (e *Engine) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if e.closed.Load() {
		return nil, errors.Wrapf(ErrEngineClosed, "method %s", method)
	}
	if e.failed.Load() {
		return nil, errors.Wrapf(ErrStorageUnavailable, "method %s", method)
	}

	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, errors.Wrapf(ErrValidation, "marshaling params for %s: %v", method, err)
		}
	}

	c := &call{
		req:    Request{ID: shortuuid.New(), Method: method, Params: raw},
		result: make(chan helpers.Result[json.RawMessage], 1),
	}

	select {
	case e.requests <- c:
	default:
		return nil, errors.Wrapf(ErrBackpressure, "method %s", method)
	}

	e.logger.Trace().Str("request_id", c.req.ID).Str("method", method).Msg("queued persistence call")

	timer := time.NewTimer(e.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case r := <-c.result:
		return r.Value()
	case <-e.done:
		// the supervisor exited after this call was enqueued; its final
		// drain may already have delivered a result
		select {
		case r := <-c.result:
			return r.Value()
		default:
			return nil, errors.Wrapf(ErrEngineClosed, "method %s", method)
		}
	case <-timer.C:
		e.logger.Warn().Str("request_id", c.req.ID).Str("method", method).Msg("persistence call timed out, abandoning")
		return nil, errors.Wrapf(ErrStorageTimeout, "method %s", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallInto unmarshals the call result into out.
func (e *Engine) CallInto(ctx context.Context, method string, params any, out any) error {
	raw, err := e.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "unmarshaling %s result", method)
}

// Failed reports whether the engine has exhausted its restart budget.
func (e *Engine) Failed() bool {
	return e.failed.Load()
}

// Stop shuts the engine down. Every pending call is rejected (never silently
// dropped) before the store handle is released, so no caller awaits forever.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.closed.Store(true)
		close(e.stop)
	})
	<-e.done
}

func (e *Engine) supervise() {
	defer close(e.done)

	restarts := 0
	backoff := e.cfg.RestartBackoff

	for {
		handler, err := e.factory()
		if err != nil {
			e.logger.Error().Err(err).Int("restarts", restarts).Msg("opening storage handler failed")
		} else {
			crashed := e.runLoop(handler)
			if closer, ok := handler.(io.Closer); ok {
				_ = closer.Close()
			}
			if !crashed {
				// graceful stop; drain once more for calls that raced the
				// closed flag
				e.drainQueue(ErrEngineClosed)
				return
			}
		}

		restarts++
		if restarts > e.cfg.MaxRestarts {
			e.logger.Error().Int("restarts", restarts-1).Msg("storage engine restart budget exhausted, failing closed")
			e.failed.Store(true)
			e.drainQueue(ErrStorageUnavailable)
			return
		}

		e.logger.Warn().Int("restart", restarts).Dur("backoff", backoff).Msg("restarting storage engine")
		select {
		case <-e.stop:
			e.drainQueue(ErrEngineClosed)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// runLoop owns the handler for its lifetime. It reports whether it exited
// because of a panic (crash, restartable) or a stop request.
func (e *Engine) runLoop(handler Handler) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			e.logger.Error().Interface("panic", r).Msg("storage engine crashed")
			if e.inFlight != nil {
				e.inFlight.deliver(nil, errors.Wrap(ErrStorageUnavailable, "storage engine crashed"))
				e.inFlight = nil
			}
			e.drainQueue(ErrStorageUnavailable)
		}
	}()

	for {
		// stop takes priority over queued work so shutdown rejects pending
		// calls instead of racing them
		select {
		case <-e.stop:
			e.drainQueue(ErrEngineClosed)
			return false
		default:
		}

		select {
		case <-e.stop:
			e.drainQueue(ErrEngineClosed)
			return false
		case c := <-e.requests:
			e.inFlight = c
			e.execute(handler, c)
			e.inFlight = nil
		}
	}
}

func (e *Engine) execute(handler Handler, c *call) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()

	raw, err := handler.Handle(ctx, c.req.Method, c.req.Params)
	e.logger.Trace().
		Str("request_id", c.req.ID).
		Str("method", c.req.Method).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("persistence call executed")
	c.deliver(raw, err)
}

// drainQueue rejects every queued call with the given error.
func (e *Engine) drainQueue(cause error) {
	for {
		select {
		case c := <-e.requests:
			c.deliver(nil, errors.Wrap(cause, "call rejected"))
		default:
			return
		}
	}
}

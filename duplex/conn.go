package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/routeclient/internal/backpressure"
	"github.com/BaSui01/routeclient/internal/metrics"
	"github.com/BaSui01/routeclient/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Defaults applied by Dial.
const (
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultMaxConcurrentHandlers = 16
	DefaultInboxSize             = 64
)

var tracer = otel.Tracer("github.com/BaSui01/routeclient/duplex")

// errClosedByClient is the close cause recorded by Close.
var errClosedByClient = errors.New("connection closed by client")

// RequestHandler serves one req frame. Its result is JSON-encoded into the
// res frame; an error is sent back as the res error string.
type RequestHandler func(ctx context.Context, args []json.RawMessage) (any, error)

// ReceiveHandler consumes the payload of a send frame.
type ReceiveHandler func(ctx context.Context, payload json.RawMessage)

// Options configures a Conn.
type Options struct {
	// Header is sent in the handshake header frame.
	Header map[string]string
	// HandshakeTimeout bounds the handshake. Zero means
	// DefaultHandshakeTimeout, a negative value disables it.
	HandshakeTimeout time.Duration
	// MaxConcurrentHandlers bounds request handlers running at once.
	MaxConcurrentHandlers int64
	// InboxSize bounds send payloads queued for the receive handler. When a
	// slow handler lets the inbox fill up the oldest queued payload is
	// dropped; the read loop never waits for the handler.
	InboxSize int

	// Handlers and OnReceive are installed before the handshake so no frame
	// arriving right after it can miss them.
	Handlers  map[string]RequestHandler
	OnReceive ReceiveHandler

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Conn multiplexes send, req and res frames over one Transport. It owns its
// Registry; closing the Conn rejects every pending call.
type Conn struct {
	transport Transport
	opts      Options
	registry  *Registry
	inbox     *backpressure.Stream[json.RawMessage]
	sem       *semaphore.Weighted
	logger    *zap.Logger
	metrics   *metrics.Collector

	stage atomic.Int32

	mu        sync.RWMutex
	handlers  map[string]RequestHandler
	receiver  ReceiveHandler
	observers []func(error)
	cause     error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Dial runs the client handshake on t and starts dispatching. On failure t
// is closed.
func Dial(ctx context.Context, t Transport, opts Options) (*Conn, error) {
	c := newConn(t, opts)
	if err := c.handshake(ctx); err != nil {
		c.shutdown(err)
		return nil, err
	}

	go c.readLoop()
	go c.receiveLoop()
	return c, nil
}

func newConn(t Transport, opts Options) *Conn {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.MaxConcurrentHandlers <= 0 {
		opts.MaxConcurrentHandlers = DefaultMaxConcurrentHandlers
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handlers := make(map[string]RequestHandler, len(opts.Handlers))
	for method, h := range opts.Handlers {
		handlers[method] = h
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		transport: t,
		opts:      opts,
		registry:  NewRegistry(),
		inbox: backpressure.NewStream[json.RawMessage](backpressure.Config{
			BufferSize: opts.InboxSize,
			DropPolicy: backpressure.DropPolicyOldest,
		}),
		sem:      semaphore.NewWeighted(opts.MaxConcurrentHandlers),
		logger:   logger.With(zap.String("component", "duplex_conn")),
		metrics:  opts.Metrics,
		handlers: handlers,
		receiver: opts.OnReceive,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// =============================================================================
// 🤝 握手
// =============================================================================

func (c *Conn) handshake(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "duplex.handshake")
	defer span.End()

	hsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var expiredAt atomic.Int64
	var timer *time.Timer
	if c.opts.HandshakeTimeout > 0 {
		timer = time.AfterFunc(c.opts.HandshakeTimeout, func() {
			expiredAt.Store(time.Now().UnixNano())
			cancel()
		})
		defer timer.Stop()
	}

	err := c.runHandshake(hsCtx)
	if err != nil && expiredAt.Load() != 0 {
		err = types.NewTimeoutError(c.opts.HandshakeTimeout, time.Unix(0, expiredAt.Load()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		c.logger.Warn("handshake failed",
			zap.String("stage", c.Stage().String()),
			zap.Error(err))
		return err
	}
	c.logger.Debug("handshake complete")
	return nil
}

func (c *Conn) runHandshake(ctx context.Context) error {
	for c.Stage() != StageReady {
		data, err := c.transport.Receive(ctx)
		if err != nil {
			return fmt.Errorf("handshake in stage %s: %w", c.Stage(), err)
		}
		f, err := DecodeFrame(data)
		if err != nil {
			return err
		}
		c.metrics.RecordDuplexFrame("in", string(f.Type))

		st, err := advance(c.Stage(), f.Type)
		if err != nil {
			c.metrics.RecordProtocolViolation()
			return err
		}

		switch st.reply {
		case FrameHeader:
			reply, err := headerFrame(c.opts.Header)
			if err != nil {
				return err
			}
			if err := c.write(ctx, reply); err != nil {
				return err
			}
		case FrameClientReady:
			if err := c.write(ctx, &Frame{Type: FrameClientReady}); err != nil {
				return err
			}
		}
		c.stage.Store(int32(st.next))
	}
	return nil
}

// Stage returns the handshake stage; StageReady once steady state began.
func (c *Conn) Stage() Stage { return Stage(c.stage.Load()) }

// =============================================================================
// 📨 派发
// =============================================================================

func (c *Conn) readLoop() {
	for {
		data, err := c.transport.Receive(c.ctx)
		if err != nil {
			c.shutdown(fmt.Errorf("connection lost: %w", err))
			return
		}
		if err := c.dispatch(data); err != nil {
			c.metrics.RecordProtocolViolation()
			c.logger.Warn("protocol violation, closing connection", zap.Error(err))
			c.shutdown(err)
			return
		}
	}
}

func (c *Conn) dispatch(data []byte) error {
	f, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	c.metrics.RecordDuplexFrame("in", string(f.Type))

	switch f.Type {
	case FrameSend:
		c.enqueue(f.Payload)
		return nil

	case FrameReq:
		h := c.handler(f.Method)
		if h == nil {
			return types.NewProtocolError("no handler registered for method %q", f.Method)
		}
		args, err := DecodeArgs(f.Args)
		if err != nil {
			return err
		}
		go c.serve(f.ID, f.Method, h, args)
		return nil

	case FrameRes:
		res := Result{Value: f.Result}
		if f.Error != "" {
			res = Result{Err: types.NewError(types.ErrRemote, f.Error)}
		}
		if !c.registry.Resolve(f.ID, res) {
			return types.NewProtocolError("res for unknown call id %q", f.ID)
		}
		c.metrics.SetDuplexPending(c.registry.Len())
		return nil

	default:
		return types.NewProtocolError("unexpected %q frame after handshake", f.Type)
	}
}

// enqueue hands payload to the receive loop without blocking. A full inbox
// sheds its oldest payload.
func (c *Conn) enqueue(payload json.RawMessage) {
	before := c.inbox.Stats().Dropped
	// 仅在连接关闭时失败
	if err := c.inbox.Write(c.ctx, payload); err != nil {
		return
	}
	if dropped := c.inbox.Stats().Dropped; dropped > before {
		c.metrics.RecordDuplexDroppedPush()
		c.logger.Warn("receive handler falling behind, dropped oldest payload",
			zap.Int("inbox_size", c.opts.InboxSize),
			zap.Int64("dropped_total", dropped))
	}
}

// Dropped returns how many send payloads were shed because the receive
// handler fell behind.
func (c *Conn) Dropped() int64 { return c.inbox.Stats().Dropped }

func (c *Conn) serve(id, method string, h RequestHandler, args []json.RawMessage) {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	res := &Frame{Type: FrameRes, ID: id}
	value, err := c.invoke(h, args)
	if err == nil {
		res.Result, err = json.Marshal(value)
	}
	if err != nil {
		res.Result = nil
		res.Error = err.Error()
		c.logger.Debug("request handler failed", zap.String("method", method), zap.Error(err))
	}

	if err := c.write(c.ctx, res); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("send res failed", zap.String("method", method), zap.Error(err))
	}
}

func (c *Conn) invoke(h RequestHandler, args []json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(c.ctx, args)
}

func (c *Conn) receiveLoop() {
	for {
		payload, err := c.inbox.Read(c.ctx)
		if err != nil {
			return
		}
		c.mu.RLock()
		h := c.receiver
		c.mu.RUnlock()
		if h == nil {
			c.logger.Debug("send frame dropped, no receive handler")
			continue
		}
		h(c.ctx, payload)
	}
}

func (c *Conn) handler(method string) RequestHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[method]
}

func (c *Conn) write(ctx context.Context, f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type, err)
	}
	c.metrics.RecordDuplexFrame("out", string(f.Type))
	return nil
}

// =============================================================================
// 🎯 公共 API
// =============================================================================

// OnReceive sets the handler for send frames, replacing any previous one.
func (c *Conn) OnReceive(h ReceiveHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = h
}

// OnRequest registers h for method, replacing any previous handler.
func (c *Conn) OnRequest(method string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// Send delivers payload to the peer's receive handler without waiting for
// anything beyond the write.
func (c *Conn) Send(ctx context.Context, payload any) error {
	if err := c.closedErr(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return c.write(ctx, &Frame{Type: FrameSend, Payload: data})
}

// Request calls method on the peer and waits for its reply. It fails with an
// abort error when the connection closes first. If ctx ends first the call
// returns ctx's error and the late reply is discarded.
func (c *Conn) Request(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "duplex.request", trace.WithAttributes(
		attribute.String("rpc.method", method),
	))
	defer span.End()

	value, outcome, err := c.request(ctx, method, args)
	c.metrics.RecordDuplexCall(method, outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return value, err
}

func (c *Conn) request(ctx context.Context, method string, args []any) (json.RawMessage, string, error) {
	if err := c.closedErr(); err != nil {
		return nil, "aborted", err
	}
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, "encode_error", err
	}

	id, ch, err := c.register()
	if err != nil {
		return nil, "aborted", err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("rpc.id", id))
	c.metrics.SetDuplexPending(c.registry.Len())

	if err := c.write(ctx, &Frame{Type: FrameReq, ID: id, Method: method, Args: encoded}); err != nil {
		c.registry.Remove(id)
		c.metrics.SetDuplexPending(c.registry.Len())
		return nil, "write_error", err
	}

	select {
	case res := <-ch:
		switch {
		case res.Err == nil:
			return res.Value, "ok", nil
		case errors.Is(res.Err, types.ErrAbort):
			return nil, "aborted", res.Err
		default:
			return nil, "remote_error", res.Err
		}
	case <-ctx.Done():
		c.registry.Abandon(id)
		c.metrics.SetDuplexPending(c.registry.Len())
		return nil, "cancelled", ctx.Err()
	}
}

// register allocates a fresh uuid v4 id, retrying on the unlikely collision.
func (c *Conn) register() (string, <-chan Result, error) {
	for {
		id := uuid.NewString()
		ch, err := c.registry.Register(id)
		switch {
		case err == nil:
			return id, ch, nil
		case errors.Is(err, ErrDuplicateID):
			continue
		default:
			return "", nil, types.NewAbortError(c.closeCause())
		}
	}
}

// Pending returns the number of calls waiting for a reply. Calls whose
// context ended are not counted, although their ids stay reserved until the
// late reply arrives or the connection closes.
func (c *Conn) Pending() int { return c.registry.Len() }

// Close closes the connection, rejecting every pending call with an abort
// error. It is idempotent.
func (c *Conn) Close() error {
	c.shutdown(errClosedByClient)
	return nil
}

// Done is closed after the connection has shut down and every pending call
// was rejected.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed: nil while open or after Close, the
// protocol or transport error otherwise.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if errors.Is(c.cause, errClosedByClient) {
		return nil
	}
	return c.cause
}

// Wait blocks until the connection closes and returns Err.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnClose registers fn to run once the connection has closed. If it already
// has, fn runs immediately.
func (c *Conn) OnClose(fn func(err error)) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		fn(c.Err())
		return
	default:
	}
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Conn) closeCause() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

func (c *Conn) closedErr() error {
	select {
	case <-c.done:
		return types.NewAbortError(c.closeCause())
	default:
		return nil
	}
}

// shutdown tears the connection down once: stop I/O, reject every pending
// call, clear the registry, then notify observers.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.stage.Store(int32(StageClosed))

		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()

		c.cancel()
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close", zap.Error(err))
		}

		rejected := c.registry.RejectAll(types.NewAbortError(cause))
		c.metrics.SetDuplexPending(0)
		_ = c.inbox.Close()

		c.logger.Info("connection closed",
			zap.Int("rejected_calls", rejected),
			zap.Error(cause))

		c.mu.Lock()
		observers := c.observers
		c.observers = nil
		close(c.done)
		c.mu.Unlock()

		err := c.Err()
		for _, fn := range observers {
			fn(err)
		}
	})
}

// Call is Request with the result decoded into T.
func Call[T any](ctx context.Context, c *Conn, method string, args ...any) (T, error) {
	var out T
	raw, err := c.Request(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/routeclient/internal/metrics"
	"github.com/BaSui01/routeclient/internal/resume"
	"github.com/BaSui01/routeclient/internal/retry"
	"github.com/BaSui01/routeclient/internal/tlsutil"
	"github.com/BaSui01/routeclient/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults applied by NewSession.
const (
	DefaultMaxRetry       = retry.DefaultMaxRetries
	DefaultOpenTimeout    = 6 * time.Second
	DefaultRetryDelay     = 3 * time.Second
	DefaultReadBufferSize = 4096
)

var tracer = otel.Tracer("github.com/BaSui01/routeclient/sse")

// Options configures a Session.
type Options struct {
	URL    string
	Header http.Header

	// Connector defaults to an HTTPConnector on a hardened client.
	Connector Connector

	// MaxRetry bounds consecutive open failures. Zero means DefaultMaxRetry,
	// a negative value means the first open failure is already fatal.
	MaxRetry int
	// OpenTimeout bounds each connect attempt up to the response headers.
	// Zero means DefaultOpenTimeout, a negative value disables it.
	OpenTimeout time.Duration
	// RetryDelay is the reconnect delay until the server sends a retry field.
	RetryDelay time.Duration
	// OpenFailBackoff spaces out attempts approved by OnOpenFail.
	OpenFailBackoff *retry.RetryPolicy
	// OnOpenFail decides whether a non-200/204 response is retried. A nil
	// hook never retries.
	OnOpenFail func(resp *Response) bool

	// ReconnectLimiter, when set, is waited on before every reconnect.
	ReconnectLimiter *rate.Limiter

	// LastEventID seeds the resume token. ResumeStore, when set, overrides
	// it with the stored token for ResumeKey and receives every update.
	LastEventID string
	ResumeStore resume.Store
	ResumeKey   string

	ReadBufferSize int

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Session is one reconnecting stream. Run drives it; Close stops it from
// any goroutine.
type Session struct {
	opts      Options
	connector Connector
	maxRetry  int
	backoff   *retry.RetryPolicy
	logger    *zap.Logger
	metrics   *metrics.Collector

	state      stateBox
	framer     *Framer
	lastID     atomic.Pointer[string]
	retryDelay atomic.Int64
	attempts   int

	started atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	closing bool
}

// NewSession validates opts and fills defaults.
func NewSession(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("sse: session url is required")
	}
	connector := opts.Connector
	if connector == nil {
		c, err := NewHTTPConnector(tlsutil.Options{})
		if err != nil {
			return nil, err
		}
		connector = c
	}

	maxRetry := opts.MaxRetry
	switch {
	case maxRetry == 0:
		maxRetry = DefaultMaxRetry
	case maxRetry < 0:
		maxRetry = 0
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	backoff := retry.DefaultRetryPolicy()
	if opts.OpenFailBackoff != nil {
		p := *opts.OpenFailBackoff
		p.Normalize()
		backoff = &p
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		opts:      opts,
		connector: connector,
		maxRetry:  maxRetry,
		backoff:   backoff,
		logger:    logger.With(zap.String("component", "sse_session"), zap.String("url", opts.URL)),
		metrics:   opts.Metrics,
	}
	s.setLastID(opts.LastEventID)
	s.retryDelay.Store(int64(opts.RetryDelay))
	return s, nil
}

// State returns the current lifecycle stage.
func (s *Session) State() State { return s.state.load() }

// LastEventID returns the resume token.
func (s *Session) LastEventID() string { return *s.lastID.Load() }

// RetryDelay returns the delay the next reconnect will wait.
func (s *Session) RetryDelay() time.Duration { return time.Duration(s.retryDelay.Load()) }

func (s *Session) setLastID(id string) { s.lastID.Store(&id) }

// Close stops the session with reason client. It aborts an in-flight read or
// backoff wait and is safe to call more than once, before or during Run.
func (s *Session) Close() {
	s.mu.Lock()
	s.closing = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

type readOutcome int

const (
	readEnded readOutcome = iota
	readSentinel
	readAborted
)

// Run connects and keeps the stream alive until it reaches closed. Events
// are delivered to handle in stream order on the calling goroutine.
//
// Run returns nil when the server ends the stream or Close is called, the
// parent context's error when it is cancelled, and a *types.Error or
// *types.TimeoutError for fatal failures. It may only be called once.
func (s *Session) Run(parent context.Context, handle Handler) error {
	if !s.started.CompareAndSwap(false, true) {
		return types.NewError(types.ErrAlreadyStarted, "session already started")
	}
	if handle == nil {
		handle = func(Event) {}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return s.finish(parent, handle, CloserClient)
	}

	s.loadResumeToken(ctx)
	s.framer = NewFramer(s.LastEventID())
	s.transition(StateOpening)

	failures := 0
	for {
		resp, release, err := s.connect(ctx)
		if err != nil {
			var te *types.TimeoutError
			if ctx.Err() != nil && !errors.As(err, &te) {
				return s.finish(parent, handle, CloserClient)
			}
			s.transition(StateClosed)
			s.logger.Warn("stream connect failed", zap.Error(err))
			return err
		}

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNoContent:
			resp.Body.Close()
			release()
			return s.finish(parent, handle, CloserServer)
		default:
			failures++
			s.metrics.RecordStreamOpenFailure(resp.StatusCode)
			s.logger.Warn("stream open failed",
				zap.Int("status", resp.StatusCode),
				zap.Int("failures", failures),
				zap.Int("max_retry", s.maxRetry),
			)

			if failures > s.maxRetry {
				resp.Body.Close()
				release()
				s.transition(StateClosed)
				return types.NewMaximumRetryError(s.maxRetry, resp.StatusCode)
			}
			again := s.opts.OnOpenFail != nil && s.opts.OnOpenFail(resp)
			resp.Body.Close()
			release()
			if !again {
				s.transition(StateClosed)
				return types.NewUnexpectedResponseError(resp.StatusCode)
			}
			if err := retry.Sleep(ctx, s.backoff.Delay(failures)); err != nil {
				return s.finish(parent, handle, CloserClient)
			}
			s.transition(StateOpening)
			continue
		}

		failures = 0
		s.attempts++
		s.transition(StateOpened)
		handle(Event{Kind: EventOpen, Attempt: s.attempts})

		outcome := s.read(ctx, resp.Body, handle)
		resp.Body.Close()
		release()

		switch outcome {
		case readSentinel:
			s.transition(StateClosing)
			return s.finish(parent, handle, CloserServer)
		case readAborted:
			s.transition(StateClosing)
			return s.finish(parent, handle, CloserClient)
		}

		handle(Event{Kind: EventClose, Reason: CloserRetry, Attempt: s.attempts})
		s.transition(StateRetrying)

		delay := s.RetryDelay()
		s.logger.Debug("stream dropped, reconnecting", zap.Duration("delay", delay))
		if err := retry.Sleep(ctx, delay); err != nil {
			return s.finish(parent, handle, CloserClient)
		}
		if s.opts.ReconnectLimiter != nil {
			if err := s.opts.ReconnectLimiter.Wait(ctx); err != nil {
				return s.finish(parent, handle, CloserClient)
			}
		}

		s.metrics.RecordStreamReconnect()
		s.transition(StateOpening)
		handle(Event{Kind: EventRetry, Attempt: s.attempts, Delay: delay})
	}
}

// connect issues one attempt raced against the open deadline and ctx. A
// connector that ignores cancellation is left behind; whatever it returns
// late is closed. release cancels the attempt context and must be called
// once the body is done.
func (s *Session) connect(ctx context.Context) (*Response, context.CancelFunc, error) {
	ctx, span := tracer.Start(ctx, "sse.connect", trace.WithAttributes(
		attribute.String("sse.url", s.opts.URL),
		attribute.Int("sse.attempt", s.attempts+1),
	))
	defer span.End()

	attemptCtx, cancel := context.WithCancel(ctx)
	results := make(chan connectResult, 1)
	req := s.request()
	go func() {
		resp, err := s.connector.Connect(attemptCtx, req)
		results <- connectResult{resp: resp, err: err}
	}()

	var deadline <-chan time.Time
	if s.opts.OpenTimeout > 0 {
		timer := time.NewTimer(s.opts.OpenTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var res connectResult
	select {
	case res = <-results:
	case expiredAt := <-deadline:
		cancel()
		go discardLate(results)
		te := types.NewTimeoutError(s.opts.OpenTimeout, expiredAt)
		span.RecordError(te)
		span.SetStatus(codes.Error, "open timeout")
		return nil, nil, te
	case <-ctx.Done():
		cancel()
		go discardLate(results)
		span.RecordError(ctx.Err())
		return nil, nil, ctx.Err()
	}

	if res.err != nil {
		cancel()
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, types.NewError(types.ErrConnectFailed, "stream connect failed").WithCause(res.err)
	}
	resp := res.resp
	if resp == nil {
		cancel()
		return nil, nil, types.NewError(types.ErrConnectFailed, "connector returned no response")
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, cancel, nil
}

type connectResult struct {
	resp *Response
	err  error
}

// discardLate closes the body of an attempt that lost the race.
func discardLate(results <-chan connectResult) {
	if res := <-results; res.resp != nil && res.resp.Body != nil {
		res.resp.Body.Close()
	}
}

func (s *Session) request() *Request {
	header := s.opts.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if id := s.LastEventID(); id != "" {
		header.Set(ResumeHeader, id)
	}
	return &Request{URL: s.opts.URL, Header: header}
}

func (s *Session) read(ctx context.Context, body io.Reader, handle Handler) readOutcome {
	s.framer.Reset()
	buf := make([]byte, s.opts.ReadBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, msg := range s.framer.Feed(buf[:n]) {
				if ctx.Err() != nil {
					return readAborted
				}
				s.metrics.RecordStreamRecord(msg.IsNamed())
				handle(Event{Kind: EventMessage, Message: msg, Attempt: s.attempts})
			}
			s.syncFramer(ctx)
			if s.framer.Closed() {
				s.logger.Info("server requested close")
				return readSentinel
			}
		}
		if ctx.Err() != nil {
			return readAborted
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("stream read failed", zap.Error(err))
			}
			return readEnded
		}
	}
}

// syncFramer copies the framer's resume token and retry hint into the
// session.
func (s *Session) syncFramer(ctx context.Context) {
	if d, ok := s.framer.Retry(); ok {
		s.retryDelay.Store(int64(d))
	}

	id := s.framer.LastID()
	if id == s.LastEventID() || id == CloseSentinel {
		return
	}
	s.setLastID(id)
	if s.opts.ResumeStore == nil || s.opts.ResumeKey == "" {
		return
	}
	if err := s.opts.ResumeStore.Save(ctx, s.opts.ResumeKey, id); err != nil {
		s.logger.Warn("save resume token failed", zap.String("id", id), zap.Error(err))
	}
}

func (s *Session) loadResumeToken(ctx context.Context) {
	if s.opts.ResumeStore == nil || s.opts.ResumeKey == "" {
		return
	}
	id, err := s.opts.ResumeStore.Load(ctx, s.opts.ResumeKey)
	switch {
	case err == nil:
		s.setLastID(id)
		s.logger.Debug("resume token loaded", zap.String("id", id))
	case errors.Is(err, resume.ErrNotFound):
	default:
		s.logger.Warn("load resume token failed", zap.Error(err))
	}
}

func (s *Session) transition(to State) {
	from, err := s.state.move(to)
	if err != nil {
		s.logger.Error("session state machine", zap.Error(err))
		return
	}
	s.metrics.RecordStreamTransition(from.String(), to.String())
	s.logger.Debug("session state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (s *Session) finish(parent context.Context, handle Handler, reason Closer) error {
	s.transition(StateClosed)
	handle(Event{Kind: EventClose, Reason: reason, Attempt: s.attempts})

	if reason != CloserClient {
		return nil
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return nil
	}
	if err := parent.Err(); err != nil {
		return fmt.Errorf("stream aborted: %w", err)
	}
	return nil
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/BaSui01/routeclient/internal/backpressure"
	"github.com/BaSui01/routeclient/route"
	"github.com/BaSui01/routeclient/sse"
	"github.com/BaSui01/routeclient/types"
	"go.uber.org/zap"
)

// ItemKind tells a packet from a reported failure.
type ItemKind int

const (
	ItemPacket ItemKind = iota + 1
	ItemFail
)

// Item is one buffered stream value.
type Item struct {
	Kind  ItemKind
	Value json.RawMessage
}

// OK reports whether the item is a packet.
func (i Item) OK() bool { return i.Kind == ItemPacket }

// Decode unmarshals the item value into v.
func (i Item) Decode(v any) error {
	if len(i.Value) == 0 {
		return nil
	}
	return json.Unmarshal(i.Value, v)
}

// Envelope kinds carried in the data of unnamed records.
const (
	envelopePacket = "packet"
	envelopeFail   = "fail"
	envelopeThrow  = "throw"
	envelopeClose  = "close"
)

type envelope struct {
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Cause   json.RawMessage `json:"cause,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Stream decodes the JSON envelopes of a stream route into a bounded
// buffer. When the buffer is full the oldest item is dropped.
type Stream struct {
	session *sse.Session
	items   *backpressure.Stream[Item]
	logger  *zap.Logger

	done chan struct{}
	err  error
}

// Stream opens a stream route and returns once the first connection was
// accepted, or with the error that ended the session before that.
func (r *Requester) Stream(ctx context.Context, rt route.Route, args Args) (*Stream, error) {
	if rt.Kind != route.KindStream {
		return nil, types.NewError(types.ErrInvalidRoute, fmt.Sprintf("route %s is not a stream route", rt.Path))
	}
	u, header, err := r.Target(ctx, rt, args)
	if err != nil {
		return nil, err
	}
	h := make(http.Header, len(header))
	for k, v := range header {
		h.Set(k, v)
	}

	so := r.opts.Stream
	session, err := sse.NewSession(sse.Options{
		URL:              u.String(),
		Header:           h,
		Connector:        r.connector,
		MaxRetry:         so.MaxRetry,
		OpenTimeout:      so.OpenTimeout,
		RetryDelay:       so.RetryDelay,
		OpenFailBackoff:  so.OpenFailBackoff,
		OnOpenFail:       so.OnOpenFail,
		ReconnectLimiter: so.ReconnectLimiter,
		ResumeStore:      so.ResumeStore,
		ResumeKey:        u.Host + u.Path,
		Logger:           r.logger,
		Metrics:          r.metrics,
	})
	if err != nil {
		return nil, err
	}

	s := &Stream{
		session: session,
		items: backpressure.NewStream[Item](backpressure.Config{
			BufferSize: so.MaxBuffer,
			DropPolicy: backpressure.DropPolicyOldest,
		}),
		logger: r.logger.With(zap.String("stream", u.Path)),
		done:   make(chan struct{}),
	}

	opened := make(chan struct{})
	var once sync.Once
	go s.run(context.WithoutCancel(ctx), func() { once.Do(func() { close(opened) }) })

	select {
	case <-opened:
		return s, nil
	case <-s.done:
		select {
		case <-opened:
			return s, nil
		default:
		}
		if s.err != nil {
			return nil, s.err
		}
		// 服务端在打开前即结束（204），返回一个已结束的流
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func (s *Stream) run(ctx context.Context, onOpen func()) {
	err := s.session.Run(ctx, func(ev sse.Event) {
		switch ev.Kind {
		case sse.EventOpen:
			onOpen()
		case sse.EventMessage:
			if !ev.Message.IsNamed() {
				s.handle(ctx, ev.Message)
			}
		}
	})
	if err != nil {
		s.items.CloseWithError(err)
	} else {
		_ = s.items.Close()
	}
	s.err = err
	close(s.done)
}

func (s *Stream) handle(ctx context.Context, msg sse.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Data), &env); err != nil {
		s.terminate(types.NewError(types.ErrStreamFailed, "malformed stream envelope").WithCause(err))
		return
	}

	switch env.Message {
	case envelopePacket:
		_ = s.items.Write(ctx, Item{Kind: ItemPacket, Value: env.Payload})
	case envelopeFail:
		_ = s.items.Write(ctx, Item{Kind: ItemFail, Value: env.Cause})
	case envelopeThrow:
		s.terminate(types.NewError(types.ErrStreamThrown, errorText(env.Error)))
	case envelopeClose:
		s.terminate(nil)
	default:
		s.logger.Debug("ignoring unknown envelope", zap.String("message", env.Message))
	}
}

func errorText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	if len(raw) == 0 {
		return "stream thrown"
	}
	return string(raw)
}

// terminate ends the stream. Buffered items stay readable; after them Next
// returns err, or io.EOF when err is nil.
func (s *Stream) terminate(err error) {
	if err != nil {
		s.items.CloseWithError(err)
	} else {
		_ = s.items.Close()
	}
	s.session.Close()
}

// Next returns the next buffered item, waiting for one. It returns io.EOF
// once the stream closed normally and every item was read.
func (s *Stream) Next(ctx context.Context) (Item, error) {
	item, err := s.items.Read(ctx)
	if errors.Is(err, backpressure.ErrStreamClosed) {
		return Item{}, io.EOF
	}
	return item, err
}

// ForEach calls onPacket for every packet and onFail, when set, for every
// failure item until the stream ends. An error from onPacket closes the
// stream and is returned.
func (s *Stream) ForEach(ctx context.Context, onPacket func(json.RawMessage) error, onFail func(json.RawMessage)) error {
	for {
		item, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !item.OK() {
			if onFail != nil {
				onFail(item.Value)
			}
			continue
		}
		if err := onPacket(item.Value); err != nil {
			s.Close()
			return err
		}
	}
}

// Close stops the stream. Unread items remain readable.
func (s *Stream) Close() {
	s.terminate(nil)
}

// Done is closed once the underlying session has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the session error after Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// LastEventID returns the current resume token.
func (s *Stream) LastEventID() string { return s.session.LastEventID() }

// Stats reports buffer counters, including dropped packets.
func (s *Stream) Stats() backpressure.Stats { return s.items.Stats() }

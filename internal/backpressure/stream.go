// Package backpressure provides a bounded, policy-driven FIFO between one
// producer loop and its consumers.
package backpressure

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBufferFull   = errors.New("buffer full, backpressure applied")
	ErrStreamClosed = errors.New("stream closed")
)

// DropPolicy defines what to do when buffer is full.
type DropPolicy int

const (
	DropPolicyBlock  DropPolicy = iota // Block producer
	DropPolicyOldest                   // Drop oldest items
	DropPolicyNewest                   // Drop the incoming item
	DropPolicyError                    // Return ErrBufferFull
)

// Config configures backpressure behavior.
type Config struct {
	BufferSize int        `json:"buffer_size" yaml:"buffer_size"`
	DropPolicy DropPolicy `json:"drop_policy" yaml:"drop_policy"`
}

// Stream is a bounded FIFO with a drop policy. Items written before Close are
// still delivered; after they are drained Read returns the close error.
type Stream[T any] struct {
	config Config

	mu       sync.Mutex
	items    []T
	closed   bool
	closeErr error

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}

	produced atomic.Int64
	consumed atomic.Int64
	dropped  atomic.Int64
}

// NewStream creates a Stream. A non-positive BufferSize becomes 1.
func NewStream[T any](config Config) *Stream[T] {
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}
	return &Stream[T]{
		config:   config,
		items:    make([]T, 0, config.BufferSize),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Write appends v, applying the drop policy when the buffer is full.
func (s *Stream[T]) Write(ctx context.Context, v T) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrStreamClosed
		}
		if len(s.items) < s.config.BufferSize {
			s.items = append(s.items, v)
			more := len(s.items) < s.config.BufferSize
			s.mu.Unlock()
			s.produced.Add(1)
			signal(s.notEmpty)
			if more {
				signal(s.notFull)
			}
			return nil
		}

		switch s.config.DropPolicy {
		case DropPolicyOldest:
			var zero T
			s.items[0] = zero
			s.items = append(s.items[1:], v)
			s.mu.Unlock()
			s.dropped.Add(1)
			s.produced.Add(1)
			signal(s.notEmpty)
			return nil
		case DropPolicyNewest:
			s.mu.Unlock()
			s.dropped.Add(1)
			return nil
		case DropPolicyError:
			s.mu.Unlock()
			return ErrBufferFull
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrStreamClosed
		case <-s.notFull:
		}
	}
}

// Read removes the oldest item, waiting until one is available.
func (s *Stream[T]) Read(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			v := s.items[0]
			s.items[0] = zero
			s.items = s.items[1:]
			more := len(s.items) > 0
			s.mu.Unlock()
			s.consumed.Add(1)
			signal(s.notFull)
			if more {
				signal(s.notEmpty)
			}
			return v, nil
		}
		if s.closed {
			err := s.closeErr
			s.mu.Unlock()
			return zero, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.done:
		case <-s.notEmpty:
		}
	}
}

// Close closes the stream; readers get ErrStreamClosed once drained.
func (s *Stream[T]) Close() error {
	s.CloseWithError(nil)
	return nil
}

// CloseWithError closes the stream; readers get err once drained. Only the
// first call has an effect.
func (s *Stream[T]) CloseWithError(err error) {
	if err == nil {
		err = ErrStreamClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	close(s.done)
}

// Done is closed once the stream is closed, even if items remain.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Len returns the number of buffered items.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats returns stream statistics.
func (s *Stream[T]) Stats() Stats {
	return Stats{
		Produced:   s.produced.Load(),
		Consumed:   s.consumed.Load(),
		Dropped:    s.dropped.Load(),
		BufferSize: s.Len(),
		BufferCap:  s.config.BufferSize,
	}
}

// Stats contains stream statistics.
type Stats struct {
	Produced   int64 `json:"produced"`
	Consumed   int64 `json:"consumed"`
	Dropped    int64 `json:"dropped"`
	BufferSize int   `json:"buffer_size"`
	BufferCap  int   `json:"buffer_cap"`
}

package duplex

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrDuplicateID is returned by Register for an id already pending.
	ErrDuplicateID = errors.New("call id already pending")
	// ErrRegistryClosed is returned by Register after RejectAll.
	ErrRegistryClosed = errors.New("registry closed")
)

// Result settles one pending call: a value or an error, never both.
type Result struct {
	Value json.RawMessage
	Err   error
}

type pendingCall struct {
	ch        chan Result
	abandoned atomic.Bool
}

// Registry maps call ids to callers waiting for a reply. An entry leaves the
// registry exactly once: on Resolve, Remove or RejectAll.
type Registry struct {
	// mu orders Register against RejectAll so nothing is stored after the
	// registry has been drained.
	mu      sync.RWMutex
	closed  bool
	pending *xsync.MapOf[string, *pendingCall]
	// 已放弃但仍保留的条目数，不计入 Len
	abandoned atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: xsync.NewMapOf[string, *pendingCall]()}
}

// Register adds id and returns the channel its Result will arrive on.
func (r *Registry) Register(id string) (<-chan Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	call := &pendingCall{ch: make(chan Result, 1)}
	if _, loaded := r.pending.LoadOrStore(id, call); loaded {
		return nil, ErrDuplicateID
	}
	return call.ch, nil
}

// Resolve settles id and removes it. It reports false when id is unknown,
// which for a reply means the peer answered a call that was never made or
// was already settled.
func (r *Registry) Resolve(id string, res Result) bool {
	call, ok := r.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	r.forget(call)
	call.ch <- res
	return true
}

// Abandon marks id as no longer awaited. The entry stays until its reply
// arrives or the registry is drained so a late reply is still recognised,
// but it no longer counts towards Len.
func (r *Registry) Abandon(id string) {
	r.pending.Compute(id, func(call *pendingCall, loaded bool) (*pendingCall, bool) {
		if !loaded {
			return nil, true
		}
		if !call.abandoned.Swap(true) {
			r.abandoned.Add(1)
		}
		return call, false
	})
}

// Remove deletes id without settling it.
func (r *Registry) Remove(id string) {
	if call, ok := r.pending.LoadAndDelete(id); ok {
		r.forget(call)
	}
}

func (r *Registry) forget(call *pendingCall) {
	if call.abandoned.Load() {
		r.abandoned.Add(-1)
	}
}

// RejectAll settles every pending entry with err, empties the registry and
// refuses further registrations. It returns how many callers were still
// waiting, abandoned entries excluded.
func (r *Registry) RejectAll(err error) int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	rejected := 0
	r.pending.Range(func(id string, _ *pendingCall) bool {
		call, ok := r.pending.LoadAndDelete(id)
		if !ok {
			return true
		}
		call.ch <- Result{Err: err}
		if call.abandoned.Load() {
			r.abandoned.Add(-1)
		} else {
			rejected++
		}
		return true
	})
	return rejected
}

// Len returns the number of callers still waiting for a reply. Abandoned
// entries are retained until settled but not counted.
func (r *Registry) Len() int {
	return max(r.pending.Size()-int(r.abandoned.Load()), 0)
}

// Abandoned returns the number of retained entries nobody waits for.
func (r *Registry) Abandoned() int {
	return int(r.abandoned.Load())
}

// Closed reports whether RejectAll has run.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Package future provides the handle returned for every dispatched call: a
// single-assignment result slot that is resolved by the response, a timeout, a lost
// connection or a failed write, whichever comes first.
package future

import (
	"context"
	"sync"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

// Future is the caller-side handle of one in-flight call.
type Future struct {
	id           string
	timeout      time.Duration
	dispatchedAt time.Time

	once sync.Once
	done chan struct{}
	resp *envelope.Envelope
	err  error
}

// New creates an unresolved Future. A zero timeout never expires.
func New(id string, timeout time.Duration, dispatchedAt time.Time) *Future {
	return &Future{
		id:           id,
		timeout:      timeout,
		dispatchedAt: dispatchedAt,
		done:         make(chan struct{}),
	}
}

// ID returns the msg id of the call.
func (f *Future) ID() string { return f.id }

// Timeout returns the call timeout, zero when unbounded.
func (f *Future) Timeout() time.Duration { return f.timeout }

// DispatchedAt returns when the call was registered.
func (f *Future) DispatchedAt() time.Time { return f.dispatchedAt }

// Deadline returns the expiry instant. ok is false for calls without timeout.
func (f *Future) Deadline() (deadline time.Time, ok bool) {
	if f.timeout <= 0 {
		return time.Time{}, false
	}
	return f.dispatchedAt.Add(f.timeout), true
}

// Expired reports whether the call outlived its timeout at now.
func (f *Future) Expired(now time.Time) bool {
	return f.timeout > 0 && now.Sub(f.dispatchedAt) >= f.timeout
}

// Complete resolves the future with a reply. It returns false if the future was
// already resolved.
func (f *Future) Complete(resp *envelope.Envelope) bool {
	return f.resolve(resp, nil)
}

// Fail resolves the future with err.
func (f *Future) Fail(err error) bool {
	return f.resolve(nil, err)
}

func (f *Future) resolve(resp *envelope.Envelope, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future is resolved.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the outcome. The error is the failure that resolved the call, or the
// error carried by the reply itself; the reply is returned in both reply cases.
func (f *Future) Get(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case <-f.done:
		return f.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryGet returns the outcome without blocking. ok is false while unresolved.
func (f *Future) TryGet() (*envelope.Envelope, bool, error) {
	if !f.IsDone() {
		return nil, false, nil
	}
	resp, err := f.outcome()
	return resp, true, err
}

func (f *Future) outcome() (*envelope.Envelope, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return nil, nil
	}
	return f.resp, f.resp.Err()
}

// Package correlator tracks in-flight calls by msg id and resolves each exactly once:
// by its reply, by expiry, by connection loss or by a failed write.
package correlator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/future"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
)

const logPrefix = "correlator:correlator"

const shardCount = 64

// DefaultSweepInterval is how often expired calls are collected.
const DefaultSweepInterval = time.Second

// PendingCall is one registered call awaiting its reply.
type PendingCall struct {
	Future *future.Future
	Target string
}

// ID returns the call's msg id.
func (p *PendingCall) ID() string { return p.Future.ID() }

// Options configures a Correlator.
type Options struct {
	SweepInterval time.Duration
	// OnUndeliverable receives replies whose correlation id matches no pending call.
	OnUndeliverable func(resp *envelope.Envelope)
	// Now overrides the clock used by the sweeper.
	Now func() time.Time
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Pending       int   `json:"pending"`
	Registered    int64 `json:"registered"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Expired       int64 `json:"expired"`
	Evicted       int64 `json:"evicted"`
	Undeliverable int64 `json:"undeliverable"`
	Duplicates    int64 `json:"duplicates"`
}

type shard struct {
	mu sync.Mutex
	m  map[string]*PendingCall
}

// Correlator is the pending-call registry.
type Correlator struct {
	shards [shardCount]shard
	opts   Options

	registered    atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	expired       atomic.Int64
	evicted       atomic.Int64
	undeliverable atomic.Int64
	duplicates    atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Correlator.
func New(opts Options) *Correlator {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Correlator{opts: opts}
	for i := range c.shards {
		c.shards[i].m = make(map[string]*PendingCall)
	}
	return c
}

func (c *Correlator) shard(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &c.shards[h.Sum32()&(shardCount-1)]
}

// Register adds call. A call whose id is already pending is rejected and the pending
// entry is left untouched.
func (c *Correlator) Register(call *PendingCall) error {
	id := call.ID()
	s := c.shard(id)
	s.mu.Lock()
	if _, exists := s.m[id]; exists {
		s.mu.Unlock()
		c.duplicates.Add(1)
		slog.Error(fmt.Sprintf("%s - Duplicate msg id %s rejected for %s", logPrefix, id, call.Target))
		return rpcerr.Newf(rpcerr.CodeDuplicateCall, "msg id %s is already pending", id)
	}
	s.m[id] = call
	s.mu.Unlock()
	c.registered.Add(1)
	return nil
}

func (c *Correlator) take(id string) (*PendingCall, bool) {
	s := c.shard(id)
	s.mu.Lock()
	call, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	return call, ok
}

// Complete resolves the call with msg id id using resp. An unknown id reports false
// and hands resp to the undeliverable hook.
func (c *Correlator) Complete(id string, resp *envelope.Envelope) (*PendingCall, bool) {
	call, ok := c.take(id)
	if !ok {
		c.undeliverable.Add(1)
		slog.Warn(fmt.Sprintf("%s - No pending call for correlation id %q, dropping %s", logPrefix, id, resp.Kind))
		if c.opts.OnUndeliverable != nil {
			c.opts.OnUndeliverable(resp)
		}
		return nil, false
	}
	call.Future.Complete(resp)
	c.completed.Add(1)
	return call, true
}

// Fail resolves the call with err, used when the write of the call fails.
func (c *Correlator) Fail(id string, err error) bool {
	call, ok := c.take(id)
	if !ok {
		return false
	}
	call.Future.Fail(err)
	c.failed.Add(1)
	return true
}

// Sweep resolves every call that outlived its timeout at now and returns how many.
func (c *Correlator) Sweep(now time.Time) int {
	var expired []*PendingCall
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, call := range s.m {
			if call.Future.Expired(now) {
				delete(s.m, id)
				expired = append(expired, call)
			}
		}
		s.mu.Unlock()
	}

	for _, call := range expired {
		slog.Warn(fmt.Sprintf("%s - Call %s to %s timed out after %s", logPrefix, call.ID(), call.Target, call.Future.Timeout()))
		call.Future.Fail(rpcerr.RequestTimeout(call.ID(), call.Future.Timeout().Milliseconds()))
	}
	c.expired.Add(int64(len(expired)))
	return len(expired)
}

// EvictAll resolves every pending call with a connection-lost error and returns how many.
func (c *Correlator) EvictAll(reason error) int {
	var evicted []*PendingCall
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, call := range s.m {
			delete(s.m, id)
			evicted = append(evicted, call)
		}
		s.mu.Unlock()
	}

	if len(evicted) > 0 {
		slog.Warn(fmt.Sprintf("%s - Evicting %d pending calls: %v", logPrefix, len(evicted), reason))
	}
	for _, call := range evicted {
		call.Future.Fail(rpcerr.ConnectionLost(reason))
	}
	c.evicted.Add(int64(len(evicted)))
	return len(evicted)
}

// Len returns the number of pending calls.
func (c *Correlator) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of the counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		Pending:       c.Len(),
		Registered:    c.registered.Load(),
		Completed:     c.completed.Load(),
		Failed:        c.failed.Load(),
		Expired:       c.expired.Load(),
		Evicted:       c.evicted.Load(),
		Undeliverable: c.undeliverable.Load(),
		Duplicates:    c.duplicates.Load(),
	}
}

// Start runs the sweeper until ctx is cancelled or Stop is called. Calling Start on a
// running correlator has no effect.
func (c *Correlator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(c.opts.Now()); n > 0 {
					slog.Debug(fmt.Sprintf("%s - Swept %d expired calls", logPrefix, n))
				}
			}
		}
	}()
	slog.Debug(fmt.Sprintf("%s - Sweeper started (interval %s)", logPrefix, c.opts.SweepInterval))
}

// Stop halts the sweeper and waits for it to exit.
func (c *Correlator) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

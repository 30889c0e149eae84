// Package dispatcher is the caller side of the engine: it owns one connection to a
// remote endpoint, assigns msg ids, tracks every in-flight call until its reply
// arrives, and re-establishes the connection when it drops.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/correlator"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/future"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
)

const logPrefix = "dispatcher:dispatcher"

// ErrDestroyed is the cause reported to calls once Destroy has been called.
var ErrDestroyed = errors.New("dispatcher destroyed")

// Dispatcher sends calls over a single connection and correlates their replies.
type Dispatcher struct {
	cfg    Config
	dialer transport.Dialer
	reg    *correlator.Correlator

	state   atomic.Int32
	attempt atomic.Int64

	mu      sync.Mutex
	ch      transport.Channel
	epoch   uint64
	changed chan struct{}

	eventMu  sync.RWMutex
	handlers []func(*envelope.Envelope)

	inbound    transport.Handler
	deadLetter DeadLetterSink
	version    *envelope.VersionPolicy
	nextID     func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle Dispatcher. The first Connect, Dispatch or Broadcast dials.
func New(dialer transport.Dialer, cfg Config, opts ...Option) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		dialer:  dialer,
		changed: make(chan struct{}),
		nextID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.reg = correlator.New(correlator.Options{
		SweepInterval:   cfg.SweepInterval,
		OnUndeliverable: d.undeliverable,
	})
	return d
}

// State returns the current connection state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// ReconnectAttempt returns the number of the current or last connection attempt.
func (d *Dispatcher) ReconnectAttempt() int64 {
	return d.attempt.Load()
}

// Pending returns the number of calls awaiting a reply.
func (d *Dispatcher) Pending() int {
	return d.reg.Len()
}

// Stats returns the pending-call counters.
func (d *Dispatcher) Stats() correlator.Stats {
	return d.reg.Stats()
}

// OnEvent registers fn for Events and PushNotifications received from the remote side.
func (d *Dispatcher) OnEvent(fn func(*envelope.Envelope)) {
	d.eventMu.Lock()
	d.handlers = append(d.handlers, fn)
	d.eventMu.Unlock()
}

// Connect establishes the connection if it is not already active.
func (d *Dispatcher) Connect(ctx context.Context) error {
	_, err := d.ensureActive(ctx)
	return err
}

// Dispatch sends a Request or Command and returns its handle without waiting for the
// reply. The call is registered before it is written, so a reply can never overtake
// its registration. A zero timeout never expires.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (*future.Future, error) {
	if !env.Kind.ExpectsReply() {
		return nil, rpcerr.Newf(rpcerr.CodeInvalidArgument, "%s expects no reply, use Broadcast", env.Kind)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	ch, err := d.ensureActive(ctx)
	if err != nil {
		return nil, err
	}

	d.prepare(env)
	id := env.Header.MsgID
	fut := future.New(id, timeout, time.Now())
	if err := d.reg.Register(&correlator.PendingCall{Future: fut, Target: env.Target()}); err != nil {
		return nil, err
	}

	if err := ch.Write(ctx, env); err != nil {
		lost := rpcerr.ConnectionLost(err)
		d.reg.Fail(id, lost)
		slog.Warn(fmt.Sprintf("%s - Write of %s (%s) failed: %v", logPrefix, id, env.Target(), err))
		return nil, lost
	}

	slog.Debug(fmt.Sprintf("%s - Dispatched %s id=%s timeout=%s", logPrefix, env.Target(), id, timeout))
	return fut, nil
}

// Call dispatches env with the configured call timeout and waits for the reply. When
// ctx has no deadline, the wait for a connection is bounded by the call timeout too;
// with a zero call timeout and unbounded attempts it lasts until the endpoint answers.
func (d *Dispatcher) Call(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	fut, err := d.Dispatch(ctx, env, d.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

// Broadcast sends an Event or PushNotification. Nothing is registered because no
// reply is expected.
func (d *Dispatcher) Broadcast(ctx context.Context, env *envelope.Envelope) error {
	if env.Kind.ExpectsReply() || env.Kind.IsReply() {
		return rpcerr.Newf(rpcerr.CodeInvalidArgument, "%s cannot be broadcast", env.Kind)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	ch, err := d.ensureActive(ctx)
	if err != nil {
		return err
	}
	d.prepare(env)
	if err := ch.Write(ctx, env); err != nil {
		return rpcerr.ConnectionLost(err)
	}
	return nil
}

// Destroy closes the connection, fails every pending call and stops reconnecting.
// Calling it again has no effect.
func (d *Dispatcher) Destroy() error {
	for {
		st := d.State()
		if st.terminal() {
			return nil
		}
		if d.transition(st, Closing) {
			break
		}
	}
	slog.Info(fmt.Sprintf("%s - Destroying dispatcher", logPrefix))

	d.mu.Lock()
	ch := d.ch
	d.ch = nil
	d.epoch++
	d.mu.Unlock()
	d.cancel()

	var closeErr error
	if ch != nil {
		closeErr = ch.Close()
	}
	d.reg.EvictAll(ErrDestroyed)
	d.reg.Stop()
	d.wg.Wait()

	d.transition(Closing, Closed)
	if closeErr != nil && !errors.Is(closeErr, transport.ErrClosed) {
		return fmt.Errorf("%s - failed to close channel: %w", logPrefix, closeErr)
	}
	return nil
}

func (d *Dispatcher) prepare(env *envelope.Envelope) {
	if env.Header.MsgID == "" {
		env.Header.MsgID = d.nextID()
	}
	if d.version != nil {
		d.version.Stamp(env)
	}
}

// ensureActive returns the active channel, connecting first when needed. Without a
// caller deadline, connecting and waiting are bounded by the call timeout.
func (d *Dispatcher) ensureActive(ctx context.Context) (transport.Channel, error) {
	if _, ok := ctx.Deadline(); !ok && d.cfg.CallTimeout > 0 && d.State() != Active {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}

	for {
		changed := d.changedCh()
		st := d.State()
		switch st {
		case Active:
			d.mu.Lock()
			ch := d.ch
			d.mu.Unlock()
			if ch != nil {
				return ch, nil
			}
			// the channel is being torn down; wait for the next state
			if err := d.wait(ctx, changed); err != nil {
				return nil, err
			}
		case Connecting:
			// another caller is dialing; there is nothing to fail fast from yet
			if err := d.wait(ctx, changed); err != nil {
				return nil, err
			}
		case Reconnecting:
			if !d.cfg.BlockWhileReconnecting {
				return nil, rpcerr.ConnectionUnavailable(errors.New("reconnect in progress"))
			}
			if err := d.wait(ctx, changed); err != nil {
				return nil, err
			}
		case Failed:
			if !d.cfg.ReconnectEnabled {
				return nil, rpcerr.ConnectionUnavailable(errors.New("connection failed and reconnect is disabled"))
			}
			fallthrough
		case Idle:
			if !d.transition(st, Connecting) {
				continue
			}
			if err := d.connectLoop(ctx, Connecting, st); err != nil {
				return nil, rpcerr.ConnectionUnavailable(err)
			}
		case Closing, Closed:
			return nil, rpcerr.ConnectionUnavailable(ErrDestroyed)
		}
	}
}

func (d *Dispatcher) wait(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return rpcerr.ConnectionUnavailable(ctx.Err())
	}
}

// connectLoop dials until a channel is installed, attempts run out, or ctx ends. It is
// entered in state via (Connecting or Reconnecting); from is restored if ctx ends first.
func (d *Dispatcher) connectLoop(ctx context.Context, via, from State) error {
	backoff := d.cfg.InitialBackoff
	for attempt := int64(1); ; attempt++ {
		d.attempt.Store(attempt)
		if d.State().terminal() {
			return ErrDestroyed
		}

		dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		ch, err := d.dialer.Dial(dialCtx)
		cancel()
		if err == nil {
			if !d.install(ch, via) {
				_ = ch.Close()
				return ErrDestroyed
			}
			slog.Info(fmt.Sprintf("%s - Connected after %d attempt(s)", logPrefix, attempt))
			d.attempt.Store(0)
			return nil
		}

		if d.State().terminal() {
			return ErrDestroyed
		}
		slog.Warn(fmt.Sprintf("%s - Connection attempt %d failed: %v", logPrefix, attempt, err))
		if ctx.Err() != nil {
			d.transition(via, from)
			return ctx.Err()
		}
		if !d.cfg.ReconnectEnabled || (d.cfg.MaxAttempts > 0 && attempt >= int64(d.cfg.MaxAttempts)) {
			d.transition(via, Failed)
			slog.Error(fmt.Sprintf("%s - Giving up after %d attempt(s)", logPrefix, attempt))
			return fmt.Errorf("%s - connect failed after %d attempt(s): %w", logPrefix, attempt, err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			d.transition(via, from)
			return ctx.Err()
		case <-d.ctx.Done():
			return ErrDestroyed
		}
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
}

// install makes ch the active channel and starts its read loop.
func (d *Dispatcher) install(ch transport.Channel, via State) bool {
	d.mu.Lock()
	if d.State().terminal() {
		d.mu.Unlock()
		return false
	}
	d.ch = ch
	d.epoch++
	epoch := d.epoch
	d.wg.Add(1)
	d.mu.Unlock()

	d.reg.Start(d.ctx)
	go d.readLoop(ch, epoch)
	d.transition(via, Active)
	return true
}

func (d *Dispatcher) readLoop(ch transport.Channel, epoch uint64) {
	defer d.wg.Done()
	for {
		env, err := ch.Read(d.ctx)
		if err != nil {
			d.channelClosed(epoch, err)
			return
		}
		d.route(ch, env)
	}
}

func (d *Dispatcher) route(ch transport.Channel, env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindResponse, envelope.KindCommandResult:
		d.reg.Complete(env.Header.CorrelationID, env)
	case envelope.KindEvent, envelope.KindPushNotification:
		d.emit(env)
	case envelope.KindRequest, envelope.KindCommand:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.answer(ch, env)
		}()
	default:
		slog.Warn(fmt.Sprintf("%s - Dropping envelope of unknown kind %q", logPrefix, env.Kind))
	}
}

func (d *Dispatcher) answer(ch transport.Channel, env *envelope.Envelope) {
	var reply *envelope.Envelope
	if d.inbound == nil {
		reply = envelope.ErrorReply(env, rpcerr.Newf(rpcerr.CodeUnsupportedKind, "%s not accepted by this endpoint", env.Kind))
	} else {
		reply = d.inbound.Handle(d.ctx, env)
	}
	if reply == nil {
		return
	}
	if err := ch.Write(d.ctx, reply); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to answer %s: %v", logPrefix, env.Target(), err))
	}
}

func (d *Dispatcher) emit(env *envelope.Envelope) {
	d.eventMu.RLock()
	handlers := d.handlers
	d.eventMu.RUnlock()
	if len(handlers) == 0 {
		slog.Debug(fmt.Sprintf("%s - No event handler for %s", logPrefix, env.Target()))
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

// channelClosed evicts the calls of a lost channel once per epoch and decides whether
// to reconnect.
func (d *Dispatcher) channelClosed(epoch uint64, cause error) {
	d.mu.Lock()
	if d.epoch != epoch {
		d.mu.Unlock()
		return
	}
	d.ch = nil
	d.mu.Unlock()

	if d.State().terminal() {
		return
	}
	slog.Warn(fmt.Sprintf("%s - Connection lost: %v", logPrefix, cause))
	d.reg.EvictAll(cause)

	if !d.cfg.ReconnectEnabled {
		d.transition(Active, Failed)
		return
	}
	if !d.transition(Active, Reconnecting) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.connectLoop(d.ctx, Reconnecting, Failed); err != nil && !errors.Is(err, ErrDestroyed) {
			slog.Error(fmt.Sprintf("%s - Reconnect failed: %v", logPrefix, err))
		}
	}()
}

func (d *Dispatcher) undeliverable(env *envelope.Envelope) {
	if d.deadLetter == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.deadLetter.Record(ctx, env, "no pending call"); err != nil {
			slog.Error(fmt.Sprintf("%s - Failed to journal undeliverable reply %s: %v", logPrefix, env.Header.CorrelationID, err))
		}
	}()
}

func (d *Dispatcher) changedCh() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changed
}

func (d *Dispatcher) transition(from, to State) bool {
	if !d.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	d.mu.Lock()
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - State %s -> %s", logPrefix, from, to))
	return true
}

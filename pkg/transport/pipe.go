package transport

import (
	"context"
	"sync"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

// Pipe returns two connected in-process channels. Closing either end closes both.
// It backs in-process loopback connections and tests.
func Pipe() (Channel, Channel) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan *envelope.Envelope, 64)
	ba := make(chan *envelope.Envelope, 64)
	return &pipeEnd{state: shared, in: ba, out: ab}, &pipeEnd{state: shared, in: ab, out: ba}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	state *pipeState
	in    <-chan *envelope.Envelope
	out   chan<- *envelope.Envelope
}

func (p *pipeEnd) Write(ctx context.Context, env *envelope.Envelope) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Read(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

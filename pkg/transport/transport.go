// Package transport defines the byte-moving collaborators the dispatcher and the
// service run on. Concrete bindings live in the sub-packages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

const logPrefix = "transport:transport"

// ErrClosed is returned by Read and Write once a channel is closed.
var ErrClosed = errors.New("transport: channel closed")

// Channel is one established, bidirectional envelope stream.
// Write may be called concurrently; Read is called by a single reader.
type Channel interface {
	Write(ctx context.Context, env *envelope.Envelope) error
	Read(ctx context.Context) (*envelope.Envelope, error)
	Close() error
}

// Dialer establishes channels to one logical endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Channel, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Channel, error) { return f(ctx) }

// Handler answers inbound envelopes. A nil reply means nothing is sent back.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) *envelope.Envelope
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) *envelope.Envelope

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	return f(ctx, env)
}

// Serve reads envelopes from ch and answers each through h on its own goroutine,
// until ch fails or ctx is cancelled. Replies may be written in any order.
func Serve(ctx context.Context, ch Channel, h Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		env, err := ch.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s - read failed: %w", logPrefix, err)
		}

		wg.Add(1)
		go func(env *envelope.Envelope) {
			defer wg.Done()
			reply := h.Handle(ctx, env)
			if reply == nil {
				return
			}
			if err := ch.Write(ctx, reply); err != nil {
				slog.Warn(fmt.Sprintf("%s - Failed to write reply for %s: %v", logPrefix, env.Target(), err))
			}
		}(env)
	}
}

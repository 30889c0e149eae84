// Package events fans Events and PushNotifications out to subscribers outside the
// connection they arrived on.
package events

import (
	"context"
	"errors"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

// EventPublisher publishes Events and PushNotifications.
type EventPublisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// Publish is a no-op.
func (p *NoOpPublisher) Publish(_ context.Context, _ *envelope.Envelope) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, env *envelope.Envelope) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, env *envelope.Envelope) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	return p.callback(ctx, env)
}

// MultiPublisher publishes to every publisher in order and joins their errors.
type MultiPublisher []EventPublisher

// Publish implements EventPublisher.
func (m MultiPublisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

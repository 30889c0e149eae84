package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/commsutil"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// EventSubject overrides the global event subject.
	EventSubject string
}

// CommsPublisher publishes Events and PushNotifications to COMMS subjects.
type CommsPublisher struct {
	nc           *comms.Conn
	eventSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	subject := commsutil.SubjectEvents
	if opts != nil && opts.EventSubject != "" {
		subject = opts.EventSubject
	}
	return &CommsPublisher{nc: nc, eventSubject: subject}
}

// Publish sends a PushNotification to its topic subject and to the global event
// subject. Events only go to the global subject.
func (p *CommsPublisher) Publish(_ context.Context, env *envelope.Envelope) error {
	var subjects []string
	switch env.Kind {
	case envelope.KindPushNotification:
		subjects = []string{commsutil.BuildPushSubject(env.Header.Topic), p.eventSubject}
	case envelope.KindEvent:
		subjects = []string{p.eventSubject}
	default:
		return fmt.Errorf("%s - cannot publish %s", commsPublisherLogPrefix, env.Kind)
	}

	for _, subject := range subjects {
		msg, err := commsutil.ToMsg(subject, env)
		if err != nil {
			return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
		}
		if err := p.nc.PublishMsg(msg); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
			return err
		}
	}

	slog.Debug(fmt.Sprintf("%s - Published %s", commsPublisherLogPrefix, env.Target()))
	return nil
}

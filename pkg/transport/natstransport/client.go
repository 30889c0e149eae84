// Package natstransport carries envelopes over COMMS (NATS) subjects. Calls are published
// to a service subject with the client's inbox as reply subject; servers answer on it.
package natstransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/commsutil"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
)

const logPrefix = "natstransport:client"

const inboundBuffer = 256

// Dialer opens channels that publish on Subject and listen on a private inbox.
// With Conn set the connection is shared and left open on Close; otherwise each Dial
// connects to URL and owns the connection.
type Dialer struct {
	Conn    *comms.Conn
	URL     string
	Name    string
	Subject string
	// Topics are push notification topics to receive on the channel.
	Topics  []string
	Options commsutil.ConnectOptions
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subject := d.Subject
	if subject == "" {
		subject = commsutil.SubjectService
	}
	c := &channel{
		subject: subject,
		msgs:    make(chan *comms.Msg, inboundBuffer),
		done:    make(chan struct{}),
		replyTo: make(map[string]string),
	}

	nc := d.Conn
	if nc == nil {
		opts := d.Options
		opts.OnClosed = c.markClosed
		conn, err := commsutil.ConnectWithOptions(d.URL, d.Name, opts)
		if err != nil {
			return nil, fmt.Errorf("%s - %w", logPrefix, err)
		}
		nc = conn
		c.owned = true
	} else if nc.IsClosed() {
		return nil, fmt.Errorf("%s - shared COMMS connection is closed", logPrefix)
	}
	c.nc = nc
	c.inbox = nc.NewRespInbox()

	if err := c.subscribe(c.inbox); err != nil {
		_ = c.Close()
		return nil, err
	}
	for _, topic := range d.Topics {
		if err := c.subscribe(commsutil.BuildPushSubject(topic)); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	slog.Info(fmt.Sprintf("%s - Channel open on %s (inbox %s)", logPrefix, subject, c.inbox))
	return c, nil
}

type channel struct {
	nc      *comms.Conn
	owned   bool
	subject string
	inbox   string

	msgs chan *comms.Msg
	subs []*comms.Subscription

	mu      sync.Mutex
	replyTo map[string]string

	once sync.Once
	done chan struct{}
}

func (c *channel) subscribe(subject string) error {
	sub, err := c.nc.ChanSubscribe(subject, c.msgs)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Write publishes calls to the service subject. Replies to calls the peer made go to
// the reply subject that call arrived with.
func (c *channel) Write(ctx context.Context, env *envelope.Envelope) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := c.subject
	if env.Kind.IsReply() {
		c.mu.Lock()
		to, ok := c.replyTo[env.Header.CorrelationID]
		delete(c.replyTo, env.Header.CorrelationID)
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("%s - no reply subject for %s", logPrefix, env.Header.CorrelationID)
		}
		subject = to
	}

	msg, err := commsutil.ToMsg(subject, env)
	if err != nil {
		return err
	}
	if !env.Kind.IsReply() {
		msg.Reply = c.inbox
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		if c.nc.IsClosed() {
			c.markClosed()
			return transport.ErrClosed
		}
		return fmt.Errorf("%s - publish to %s failed: %w", logPrefix, subject, err)
	}
	return nil
}

// Read returns the next envelope from the inbox or a topic subscription.
func (c *channel) Read(ctx context.Context) (*envelope.Envelope, error) {
	for {
		select {
		case <-c.done:
			return nil, transport.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-c.msgs:
			env, err := commsutil.FromMsg(msg)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - Skipping message: %v", logPrefix, err))
				continue
			}
			if env.Kind.ExpectsReply() && msg.Reply != "" && env.Header.MsgID != "" {
				c.mu.Lock()
				c.replyTo[env.Header.MsgID] = msg.Reply
				c.mu.Unlock()
			}
			return env, nil
		}
	}
}

// Close drops the subscriptions, and the connection when the channel owns it.
func (c *channel) Close() error {
	c.markClosed()
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && err != comms.ErrConnectionClosed && err != comms.ErrBadSubscription {
			slog.Warn(fmt.Sprintf("%s - Unsubscribe %s: %v", logPrefix, sub.Subject, err))
		}
	}
	c.subs = nil
	if c.owned && c.nc != nil && !c.nc.IsClosed() {
		c.nc.Close()
	}
	return nil
}

func (c *channel) markClosed() {
	c.once.Do(func() { close(c.done) })
}

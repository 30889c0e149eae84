package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
)

const clientLogPrefix = "httptransport:client"

// Dialer opens HTTP channels to BaseURL (scheme://host[:port]).
type Dialer struct {
	BaseURL string
	Client  *http.Client
	// SkipHealthCheck dials without probing the health endpoint first.
	SkipHealthCheck bool
}

// Dial implements transport.Dialer. The channel is usable once the peer's health
// endpoint answers 200.
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	base := strings.TrimRight(d.BaseURL, "/")

	if !d.SkipHealthCheck {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+HealthPath, nil)
		if err != nil {
			return nil, fmt.Errorf("%s - bad base url %q: %w", clientLogPrefix, d.BaseURL, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s - health check failed: %w", clientLogPrefix, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s - health check returned %d", clientLogPrefix, resp.StatusCode)
		}
	}

	cctx, cancel := context.WithCancel(context.Background())
	slog.Info(fmt.Sprintf("%s - Channel open to %s", clientLogPrefix, base))
	return &clientChannel{
		base:    base,
		client:  client,
		ctx:     cctx,
		cancel:  cancel,
		inbound: make(chan *envelope.Envelope, 64),
	}, nil
}

// clientChannel sends each call as its own HTTP exchange and queues the answers,
// so replies arrive on Read in completion order.
type clientChannel struct {
	base   string
	client *http.Client

	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan *envelope.Envelope
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  atomic.Bool
}

func (c *clientChannel) Write(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req, err := c.buildRequest(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return transport.ErrClosed
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.exchange(env, req)
	}()
	return nil
}

func (c *clientChannel) buildRequest(env *envelope.Envelope) (*http.Request, error) {
	var method, target string
	switch env.Kind {
	case envelope.KindRequest, envelope.KindEvent:
		if env.Header.Uri == nil {
			return nil, rpcerr.New(rpcerr.CodeInvalidArgument, "request without uri")
		}
		method, target = string(env.Header.Method), c.base+env.Header.Uri.String()
	case envelope.KindCommand:
		method, target = http.MethodPost, c.base+CommandPrefix+url.PathEscape(env.Header.Command)
	case envelope.KindPushNotification:
		method, target = http.MethodPost, c.base+PushPrefix+url.PathEscape(env.Header.Topic)
	default:
		return nil, rpcerr.Newf(rpcerr.CodeUnsupportedKind, "%s cannot be sent over http", env.Kind)
	}

	var body io.Reader
	if len(env.Body) > 0 {
		body = bytes.NewReader(env.Body)
	}
	req, err := http.NewRequestWithContext(c.ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s - cannot build request for %s: %w", clientLogPrefix, env.Target(), err)
	}
	applyProperties(req.Header, env.Header.Properties)
	if len(env.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if env.Header.MsgID != "" {
		req.Header.Set(HeaderMessageID, env.Header.MsgID)
	}
	if env.Header.ProtocolVersion != "" {
		req.Header.Set(HeaderProtocolVersion, env.Header.ProtocolVersion)
	}
	if env.Kind == envelope.KindEvent {
		req.Header.Set(HeaderKind, string(envelope.KindEvent))
	}
	if env.Kind == envelope.KindRequest && !env.Header.KeepAlive {
		req.Close = true
	}
	return req, nil
}

func (c *clientChannel) exchange(env *envelope.Envelope, req *http.Request) {
	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if c.closed.Load() {
			return
		}
		slog.Warn(fmt.Sprintf("%s - %s failed after %s: %v", clientLogPrefix, env.Target(), time.Since(started), err))
		if env.Kind.ExpectsReply() {
			c.deliver(envelope.ErrorReply(env, rpcerr.ConnectionUnavailable(err)))
		}
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if !env.Kind.ExpectsReply() {
		if resp.StatusCode >= http.StatusBadRequest {
			slog.Warn(fmt.Sprintf("%s - %s rejected with %d", clientLogPrefix, env.Target(), resp.StatusCode))
		}
		return
	}
	if err != nil {
		c.deliver(envelope.ErrorReply(env, rpcerr.ConnectionLost(err)))
		return
	}
	c.deliver(replyFromResponse(env, resp, data))
}

// replyFromResponse builds the reply envelope for call out of an HTTP response.
func replyFromResponse(call *envelope.Envelope, resp *http.Response, data []byte) *envelope.Envelope {
	reply := envelope.Reply(call, resp.StatusCode)
	if id := resp.Header.Get(HeaderCorrelationID); id != "" {
		reply.Header.CorrelationID = id
	}
	reply.Header.ProtocolVersion = resp.Header.Get(HeaderProtocolVersion)
	for _, p := range propertiesFromHeader(resp.Header) {
		reply.Header.Properties.Set(p.Name, p.Value)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := json.Unmarshal(data, &eb); err == nil && eb.Error != nil {
			reply.Header.Error = eb.Error
			return reply
		}
		reply.Header.Error = &envelope.ErrorDetail{
			Code:    rpcerr.CodeForStatus(resp.StatusCode),
			Message: strings.TrimSpace(string(data)),
		}
		return reply
	}
	reply.Body = bodyFromBytes(data)
	return reply
}

func (c *clientChannel) deliver(env *envelope.Envelope) {
	select {
	case c.inbound <- env:
	case <-c.ctx.Done():
	}
}

func (c *clientChannel) Read(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case <-c.ctx.Done():
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels in-flight exchanges and waits for them to finish.
func (c *clientChannel) Close() error {
	c.mu.Lock()
	already := c.closed.Swap(true)
	c.mu.Unlock()
	if already {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

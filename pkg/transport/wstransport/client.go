package wstransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/transport"
)

const clientLogPrefix = "wstransport:client"

// Dialer opens WebSocket channels to URL (ws:// or wss://).
type Dialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}
	ws, resp, err := wd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s - dial %s: %w (status %d)", clientLogPrefix, d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s - dial %s: %w", clientLogPrefix, d.URL, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to %s", clientLogPrefix, d.URL))
	return newConn(ws, d.WriteWait), nil
}

// Package httptransport maps envelopes onto HTTP: verbs to methods, uris to request
// targets, properties to headers and reply status to HTTP status.
package httptransport

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

// Headers carrying envelope identity and framing.
const (
	HeaderMessageID       = "Message-ID"
	HeaderCorrelationID   = "Correlation-ID"
	HeaderKind            = "Synapse-Kind"
	HeaderProtocolVersion = "Synapse-Protocol-Version"
)

// Admin and envelope-kind routes served next to the catch-all request route.
const (
	AdminPrefix   = "/_synapse"
	HealthPath    = AdminPrefix + "/health"
	ReadyPath     = AdminPrefix + "/ready"
	RoutesPath    = AdminPrefix + "/routes"
	CommandPrefix = AdminPrefix + "/commands/"
	PushPrefix    = AdminPrefix + "/push/"
)

// skipHeaders are never turned into properties.
var skipHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	HeaderMessageID:       true,
	HeaderCorrelationID:   true,
	HeaderKind:            true,
	HeaderProtocolVersion: true,
}

// propertiesFromHeader converts h into properties sorted by name. Multi-valued
// headers are joined with ", ".
func propertiesFromHeader(h http.Header) envelope.Properties {
	names := make([]string, 0, len(h))
	for name := range h {
		if !skipHeaders[http.CanonicalHeaderKey(name)] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	props := make(envelope.Properties, 0, len(names))
	for _, name := range names {
		props = append(props, envelope.Property{Name: name, Value: strings.Join(h.Values(name), ", ")})
	}
	return props
}

// applyProperties writes props to h, skipping framing headers.
func applyProperties(h http.Header, props envelope.Properties) {
	for _, p := range props {
		if skipHeaders[http.CanonicalHeaderKey(p.Name)] {
			continue
		}
		h.Set(p.Name, p.Value)
	}
}

// bodyFromBytes keeps JSON payloads as they are and wraps anything else as a JSON string.
func bodyFromBytes(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// errorBody is the HTTP body of a failed reply.
type errorBody struct {
	Error *envelope.ErrorDetail `json:"error"`
}

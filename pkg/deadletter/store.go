// Package deadletter journals envelopes that could not be delivered, such as replies
// whose correlation id matches no pending call.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

// Entry is one journaled envelope.
type Entry struct {
	ID            int64           `json:"id"`
	MsgID         string          `json:"msgId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Kind          envelope.Kind   `json:"kind"`
	Target        string          `json:"target,omitempty"`
	Reason        string          `json:"reason"`
	Envelope      json.RawMessage `json:"envelope"`
	RecordedAt    time.Time       `json:"recordedAt"`
}

// Store records undeliverable envelopes and lists the most recent ones.
type Store interface {
	Record(ctx context.Context, env *envelope.Envelope, reason string) error
	List(ctx context.Context, limit int) ([]Entry, error)
}

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 50

func newEntry(env *envelope.Envelope, reason string, data []byte, at time.Time) Entry {
	return Entry{
		MsgID:         env.Header.MsgID,
		CorrelationID: env.Header.CorrelationID,
		Kind:          env.Kind,
		Target:        env.Target(),
		Reason:        reason,
		Envelope:      data,
		RecordedAt:    at.UTC(),
	}
}

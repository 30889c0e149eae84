package commsutil

import (
	"fmt"

	comms "github.com/nats-io/nats.go"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

const codecLogPrefix = "commsutil:codec"

// Message headers mirrored from the envelope so subscribers can filter without decoding.
const (
	HeaderMessageID     = "Message-ID"
	HeaderCorrelationID = "Correlation-ID"
	HeaderKind          = "Synapse-Kind"
)

// ToMsg encodes env into a COMMS message for subject.
func ToMsg(subject string, env *envelope.Envelope) (*comms.Msg, error) {
	data, err := envelope.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", codecLogPrefix, err)
	}
	msg := comms.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderKind, string(env.Kind))
	if env.Header.MsgID != "" {
		msg.Header.Set(HeaderMessageID, env.Header.MsgID)
	}
	if env.Header.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, env.Header.CorrelationID)
	}
	return msg, nil
}

// FromMsg decodes the envelope carried by msg.
func FromMsg(msg *comms.Msg) (*envelope.Envelope, error) {
	env, err := envelope.Decode(msg.Data)
	if err != nil {
		return env, fmt.Errorf("%s - message on %s: %w", codecLogPrefix, msg.Subject, err)
	}
	return env, nil
}

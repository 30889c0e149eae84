package envelope

import (
	"encoding/json"
	"fmt"
)

const codecLogPrefix = "envelope:codec"

// Encode serializes an envelope to its JSON wire form.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%s - nil envelope", codecLogPrefix)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s: %w", codecLogPrefix, env.Kind, err)
	}
	return data, nil
}

// Decode parses a JSON wire frame and validates the kind-specific header fields.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%s - failed to decode envelope: %w", codecLogPrefix, err)
	}
	if err := env.Validate(); err != nil {
		return &env, err
	}
	return &env, nil
}

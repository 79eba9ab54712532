package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the MQTT message a tracker publishes. Reading is passed on
// to the ingest endpoint byte for byte; it is not interpreted in transit.
type Envelope struct {
	APIKey  string          `json:"api_key"`
	Reading json.RawMessage `json:"reading"`
}

// ErrBadEnvelope means an MQTT message is not a usable envelope.
var ErrBadEnvelope = errors.New("bad envelope")

// DecodeEnvelope checks only the envelope shape: a non-empty api_key and a
// reading that is a JSON object.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.APIKey == "" {
		return Envelope{}, fmt.Errorf("%w: api_key is required", ErrBadEnvelope)
	}
	r := bytes.TrimSpace(env.Reading)
	if len(r) == 0 || r[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: reading must be a JSON object", ErrBadEnvelope)
	}
	env.Reading = r
	return env, nil
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StartMarker and EndMarker delimit the typed JSON envelope an agent
// prints in its final message. The last occurrence of each marker wins,
// so preceding chatter containing stray marker-like text never shadows
// the real envelope.
const (
	StartMarker = "<<GARDENER_JSON_START>>"
	EndMarker   = "<<GARDENER_JSON_END>>"
)

// EnvelopeSchemaVersion is the only schema_version this build accepts.
const EnvelopeSchemaVersion = 1

// OutputEnvelope is the typed payload an agent emits between the
// sentinel markers at the end of a turn.
type OutputEnvelope struct {
	SchemaVersion int             `json:"schema_version"`
	State         string          `json:"state"`
	Payload       json.RawMessage `json:"payload"`
}

var (
	ErrMissingStartMarker   = errors.New("missing start marker")
	ErrMissingEndMarker     = errors.New("missing end marker")
	ErrEndBeforeStart       = errors.New("end marker appears before start marker")
	ErrInvalidSchemaVersion = errors.New("schema_version must be 1")
)

// ParseLastEnvelope extracts and validates the last envelope found in
// raw, checking it declares the expected worker state.
func ParseLastEnvelope(raw string, expectedState string) (OutputEnvelope, error) {
	startIdx := strings.LastIndex(raw, StartMarker)
	if startIdx < 0 {
		return OutputEnvelope{}, ErrMissingStartMarker
	}
	endIdx := strings.LastIndex(raw, EndMarker)
	if endIdx < 0 {
		return OutputEnvelope{}, ErrMissingEndMarker
	}
	if endIdx <= startIdx {
		return OutputEnvelope{}, ErrEndBeforeStart
	}

	body := strings.TrimSpace(raw[startIdx+len(StartMarker) : endIdx])

	var env OutputEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return OutputEnvelope{}, fmt.Errorf("invalid json: %w", err)
	}
	if env.SchemaVersion != EnvelopeSchemaVersion {
		return OutputEnvelope{}, ErrInvalidSchemaVersion
	}
	if env.State != expectedState {
		return OutputEnvelope{}, fmt.Errorf("state mismatch: expected %s, got %s", expectedState, env.State)
	}
	return env, nil
}

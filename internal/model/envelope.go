package model

import (
	"encoding/json"
	"time"
)

// Envelope is one normalized telemetry record. Raw always holds a single
// compact JSON object; it is serialized once at normalization time and shared
// by reference between storage and live fan-out.
type Envelope struct {
	Raw        json.RawMessage
	ReceivedAt time.Time
	Source     string // "http", "otlp", "tcp"
	Index      EnvelopeIndex
}

// EnvelopeIndex holds the fields derived from an envelope for storage columns
// and filtering. Zero values mean the field was absent.
type EnvelopeIndex struct {
	Name        string
	IKey        string
	Type        string
	Role        string
	OperationID string
	Severity    string
	EventTime   time.Time
}

// MarshalJSON returns the stored object bytes unchanged.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte("{}"), nil
	}
	return e.Raw, nil
}

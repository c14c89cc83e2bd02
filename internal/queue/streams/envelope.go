package streams

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// envelopeField is the single stream entry field holding the encoded envelope.
const envelopeField = "envelope"

// Envelope is the wire form of every stream entry.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// NewEnvelope encodes payload as the data of an eventType envelope. Ids and
// timestamps are assigned on publish.
func NewEnvelope(eventType, version string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{EventType: eventType, PayloadVersion: version, Data: data}, nil
}

// ValidateBasic checks the header fields and fills in OccurredAt.
func (e *Envelope) ValidateBasic() error {
	var missing []string
	if e.EventID == "" {
		missing = append(missing, "event_id")
	}
	if e.EventType == "" {
		missing = append(missing, "event_type")
	}
	if e.PayloadVersion == "" {
		missing = append(missing, "payload_version")
	}
	if len(e.Data) == 0 {
		missing = append(missing, "data")
	}
	if len(missing) > 0 {
		return fmt.Errorf("envelope missing %v", missing)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses and validates an envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if len(b) == 0 {
		return env, errors.New("empty envelope")
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, env.ValidateBasic()
}

// Decode unmarshals the envelope data into out.
func (e Envelope) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

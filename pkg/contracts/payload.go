package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the two event payload shapes.
type EventType string

const (
	EventStatusUpdate   EventType = "status_update"
	EventArtifactUpdate EventType = "artifact_update"
)

// ArtifactType categorizes artifact update events.
type ArtifactType string

const (
	ArtifactContextPack ArtifactType = "context_pack"
	ArtifactPlan        ArtifactType = "plan"
	ArtifactStepResult  ArtifactType = "step_result"
	ArtifactFinal       ArtifactType = "final"
)

// ValidArtifactType reports whether t is a declared artifact type.
func ValidArtifactType(t ArtifactType) bool {
	switch t {
	case ArtifactContextPack, ArtifactPlan, ArtifactStepResult, ArtifactFinal:
		return true
	}
	return false
}

// EventPayload is one of StatusUpdate or ArtifactUpdate. Unknown variants
// fail closed at parse time.
type EventPayload interface {
	EventType() EventType
}

// StatusUpdate reports a run state transition.
type StatusUpdate struct {
	State   RunState       `json:"state"`
	Message string         `json:"message,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// EventType implements EventPayload.
func (StatusUpdate) EventType() EventType { return EventStatusUpdate }

// ArtifactUpdate carries a produced artifact.
type ArtifactUpdate struct {
	ArtifactType ArtifactType `json:"artifact_type"`
	Artifact     any          `json:"artifact"`
}

// EventType implements EventPayload.
func (ArtifactUpdate) EventType() EventType { return EventArtifactUpdate }

// payloadEnvelope is the tagged wire form of a payload.
type payloadEnvelope struct {
	Type EventType `json:"type"`

	// status_update fields
	State   RunState       `json:"state,omitempty"`
	Message string         `json:"message,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`

	// artifact_update fields
	ArtifactType ArtifactType    `json:"artifact_type,omitempty"`
	Artifact     json.RawMessage `json:"artifact,omitempty"`
}

// MarshalPayload serializes a payload into its tagged wire form.
func MarshalPayload(p EventPayload) ([]byte, error) {
	switch v := p.(type) {
	case StatusUpdate:
		return json.Marshal(payloadEnvelope{Type: EventStatusUpdate, State: v.State, Message: v.Message, Meta: v.Meta})
	case *StatusUpdate:
		return MarshalPayload(*v)
	case ArtifactUpdate:
		raw, err := json.Marshal(v.Artifact)
		if err != nil {
			return nil, fmt.Errorf("marshal artifact: %w", err)
		}
		return json.Marshal(payloadEnvelope{Type: EventArtifactUpdate, ArtifactType: v.ArtifactType, Artifact: raw})
	case *ArtifactUpdate:
		return MarshalPayload(*v)
	default:
		return nil, fmt.Errorf("unknown payload type %T", p)
	}
}

// eventWire is the serialized shape of an Event; the payload keeps its
// tagged form so exports and imports round-trip.
type eventWire struct {
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	TS        time.Time       `json:"ts"`
	Canonical string          `json:"canonical"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	KeyID     string          `json:"key_id"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{
		RunID:     e.RunID,
		Seq:       e.Seq,
		TS:        e.TS,
		Canonical: e.Canonical,
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
		KeyID:     e.KeyID,
		Payload:   payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := ParsePayload(wire.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		RunID:     wire.RunID,
		Seq:       wire.Seq,
		TS:        wire.TS,
		Canonical: wire.Canonical,
		PrevHash:  wire.PrevHash,
		Hash:      wire.Hash,
		KeyID:     wire.KeyID,
		Payload:   payload,
	}
	return nil
}

// ParsePayload decodes a tagged payload, rejecting unknown variants.
func ParsePayload(data []byte) (EventPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	switch env.Type {
	case EventStatusUpdate:
		if !ValidRunState(env.State) {
			return nil, fmt.Errorf("status update carries unknown run state %q", env.State)
		}
		return StatusUpdate{State: env.State, Message: env.Message, Meta: env.Meta}, nil
	case EventArtifactUpdate:
		if !ValidArtifactType(env.ArtifactType) {
			return nil, fmt.Errorf("artifact update carries unknown artifact type %q", env.ArtifactType)
		}
		var artifact any
		if len(env.Artifact) > 0 {
			if err := json.Unmarshal(env.Artifact, &artifact); err != nil {
				return nil, fmt.Errorf("decode artifact: %w", err)
			}
		}
		return ArtifactUpdate{ArtifactType: env.ArtifactType, Artifact: artifact}, nil
	default:
		return nil, fmt.Errorf("unknown event payload type %q", env.Type)
	}
}

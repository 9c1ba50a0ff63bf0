// Package protocol defines the typed message set shared by every transport.
// Inbound dispatch is an exhaustive switch over Kind rather than shape
// probing, so all three transports speak one checked protocol.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pointdeck/pointdeck/internal/session"
)

// Kind tags one message variant.
type Kind string

const (
	KindUserJoined    Kind = "UserJoined"
	KindUserLeft      Kind = "UserLeft"
	KindHeartbeat     Kind = "Heartbeat"
	KindVoteCast      Kind = "VoteCast"
	KindTaskAdded     Kind = "TaskAdded"
	KindTaskSelected  Kind = "TaskSelected"
	KindVotesRevealed Kind = "VotesRevealed"
	KindRoundReset    Kind = "RoundReset"
	KindStateSnapshot Kind = "StateSnapshot"
)

// Envelope is the wire frame for every transport message.
type Envelope struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UserJoinedPayload announces a new membership record.
type UserJoinedPayload struct {
	Participant session.Participant `json:"participant"`
}

// LeaveReason distinguishes explicit departures from presence timeouts.
type LeaveReason string

const (
	LeaveReasonExplicit LeaveReason = "leave"
	LeaveReasonTimeout  LeaveReason = "timeout"
)

// UserLeftPayload marks a participant disconnected.
type UserLeftPayload struct {
	UserID string      `json:"user_id"`
	Reason LeaveReason `json:"reason"`
}

// HeartbeatPayload is the polling transport's liveness beacon.
type HeartbeatPayload struct {
	UserID string `json:"user_id"`
	IsHost bool   `json:"is_host"`
}

// VoteCastPayload records or overwrites one participant's vote.
type VoteCastPayload struct {
	UserID string            `json:"user_id"`
	Value  session.CardValue `json:"value"`
}

// TaskAddedPayload appends one task.
type TaskAddedPayload struct {
	Task session.Task `json:"task"`
}

// TaskSelectedPayload starts a round on a task.
type TaskSelectedPayload struct {
	TaskID string `json:"task_id"`
}

// VotesRevealedPayload freezes the current round.
type VotesRevealedPayload struct {
	RevealedAt time.Time `json:"revealed_at"`
}

// RoundResetPayload clears the current round.
type RoundResetPayload struct {
	ResetAt time.Time `json:"reset_at"`
}

// StateSnapshotPayload carries a full-replace state value.
type StateSnapshotPayload struct {
	Snapshot session.Snapshot `json:"snapshot"`
}

// NewEnvelope frames a payload. The timestamp is the caller's clock so
// fake-clock tests stay deterministic.
func NewEnvelope(kind Kind, sessionID, senderID string, at time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = data
	}
	return Envelope{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SenderID:  senderID,
		Kind:      kind,
		Timestamp: at,
		Payload:   raw,
	}, nil
}

// DecodePayload parses the envelope's payload into its typed form. Unknown
// kinds return an error so callers can drop them explicitly.
func DecodePayload(env Envelope) (any, error) {
	switch env.Kind {
	case KindUserJoined:
		var p UserJoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	case KindUserLeft:
		var p UserLeftPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	case KindHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	case KindVoteCast:
		var p VoteCastPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	case KindTaskAdded:
		var p TaskAddedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	case KindTaskSelected:
		var p TaskSelectedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	case KindVotesRevealed:
		var p VotesRevealedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	case KindRoundReset:
		var p RoundResetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	case KindStateSnapshot:
		var p StateSnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown message kind %q", env.Kind)
	}
}

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/session"
)

func TestNewEnvelopeStampsFields(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(KindVoteCast, "ABC123", "alice", at, VoteCastPayload{UserID: "alice", Value: "5"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "ABC123", env.SessionID)
	assert.Equal(t, "alice", env.SenderID)
	assert.Equal(t, KindVoteCast, env.Kind)
	assert.Equal(t, at, env.Timestamp)
	assert.NotEmpty(t, env.Payload)
}

func TestDecodePayloadAllKinds(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payloads := map[Kind]any{
		KindUserJoined:    UserJoinedPayload{Participant: session.Participant{ID: "bob", Name: "Bob"}},
		KindUserLeft:      UserLeftPayload{UserID: "bob", Reason: LeaveReasonTimeout},
		KindHeartbeat:     HeartbeatPayload{UserID: "bob"},
		KindVoteCast:      VoteCastPayload{UserID: "bob", Value: "8"},
		KindTaskAdded:     TaskAddedPayload{Task: session.Task{ID: "t1", Title: "one"}},
		KindTaskSelected:  TaskSelectedPayload{TaskID: "t1"},
		KindVotesRevealed: VotesRevealedPayload{RevealedAt: at},
		KindRoundReset:    RoundResetPayload{ResetAt: at},
		KindStateSnapshot: StateSnapshotPayload{Snapshot: session.Snapshot{ID: "ABC123"}},
	}

	for kind, payload := range payloads {
		t.Run(string(kind), func(t *testing.T) {
			env, err := NewEnvelope(kind, "ABC123", "bob", at, payload)
			require.NoError(t, err)

			decoded, err := DecodePayload(env)
			require.NoError(t, err)
			assert.Equal(t, payload, decoded)
		})
	}
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	env := Envelope{Kind: Kind("Bogus"), Payload: []byte(`{}`)}
	_, err := DecodePayload(env)
	assert.Error(t, err)
}

func TestDecodePayloadMalformed(t *testing.T) {
	env := Envelope{Kind: KindVoteCast, Payload: []byte(`{not json`)}
	_, err := DecodePayload(env)
	assert.Error(t, err)
}

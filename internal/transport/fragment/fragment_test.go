package fragment

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/session"
)

func sampleSnapshot() session.Snapshot {
	created := time.Date(2025, 6, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)
	return session.Snapshot{
		ID:            "ABC123",
		HostID:        "alice",
		CreatedAt:     created,
		CurrentTaskID: "t1",
		VotingEnabled: true,
		Version:       7,
		Participants: []session.Participant{
			{ID: "alice", Name: "Alice", IsHost: true, Connected: true, JoinedAt: created, LastSeen: created.Add(90 * time.Second)},
			{ID: "bob", Name: "Bob", Connected: true, JoinedAt: created.Add(time.Minute), LastSeen: created.Add(time.Minute + 500*time.Millisecond)},
		},
		Tasks: []session.Task{
			{ID: "t1", Title: "API design", Description: "sketch the endpoints", CreatedAt: created, CreatedBy: "alice"},
		},
		Votes: map[string]session.CardValue{"alice": "5", "bob": "8"},
	}
}

// The round-trip property holds for any millisecond-aligned state: the
// token carries millisecond timestamps and LastSeen independently of
// JoinedAt.
func TestEncodeDecodeKeepsMillisAndLastSeen(t *testing.T) {
	snap := sampleSnapshot()

	token, err := Encode(snap)
	require.NoError(t, err)
	decoded, err := Decode(token)
	require.NoError(t, err)

	require.Len(t, decoded.Participants, 2)
	assert.Equal(t, snap.CreatedAt, decoded.CreatedAt)
	assert.Equal(t, snap.Participants[0].LastSeen, decoded.Participants[0].LastSeen)
	assert.NotEqual(t, decoded.Participants[0].JoinedAt, decoded.Participants[0].LastSeen)
	assert.Equal(t, snap.Participants[1].JoinedAt, decoded.Participants[1].JoinedAt)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	snap := sampleSnapshot()

	token, err := Encode(snap)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(token), MaxTokenLen)

	decoded, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, snap, decoded)
}

func TestEncodeTokenIsURLSafe(t *testing.T) {
	token, err := Encode(sampleSnapshot())
	require.NoError(t, err)
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "#")
}

func TestEncodeReducedProjectionOverCeiling(t *testing.T) {
	snap := sampleSnapshot()
	// Inflate far past the ceiling with incompressible descriptions.
	for i := 0; i < 40; i++ {
		snap.Tasks = append(snap.Tasks, session.Task{
			ID:          session.NewID() + session.NewID(),
			Title:       strings.Repeat("long task title ", 8) + session.NewID(),
			Description: session.NewID() + session.NewID() + session.NewID() + session.NewID(),
			CreatedAt:   snap.CreatedAt,
			CreatedBy:   "alice",
		})
	}

	token, err := Encode(snap)
	require.NoError(t, err)

	decoded, err := Decode(token)
	require.NoError(t, err)

	// Reduced fidelity: descriptions dropped, titles truncated, hidden
	// votes omitted. Identity and structure survive.
	assert.Equal(t, snap.ID, decoded.ID)
	assert.Equal(t, snap.HostID, decoded.HostID)
	assert.Len(t, decoded.Tasks, len(snap.Tasks))
	for _, task := range decoded.Tasks {
		assert.Empty(t, task.Description)
		assert.LessOrEqual(t, len([]rune(task.Title)), 40)
	}
	assert.Empty(t, decoded.Votes, "unrevealed votes are dropped in the reduced projection")
}

func TestEncodeReducedKeepsRevealedVotes(t *testing.T) {
	snap := sampleSnapshot()
	snap.VotesRevealed = true
	for i := 0; i < 40; i++ {
		snap.Tasks = append(snap.Tasks, session.Task{
			ID:          session.NewID() + session.NewID(),
			Title:       strings.Repeat("another long title ", 8),
			Description: session.NewID() + session.NewID() + session.NewID(),
			CreatedAt:   snap.CreatedAt,
		})
	}

	token, err := Encode(snap)
	require.NoError(t, err)
	decoded, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, snap.Votes, decoded.Votes, "revealed votes survive reduction")
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"base64 but not deflate", "aGVsbG8gd29ybGQ"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, session.ErrInvalidShareToken)
		})
	}
}

func TestDecodeRejectsBadSessionID(t *testing.T) {
	snap := sampleSnapshot()
	snap.ID = "not-a-valid-id"
	token, err := encode(toWire(snap))
	require.NoError(t, err)

	_, err = Decode(token)
	assert.ErrorIs(t, err, session.ErrInvalidShareToken)
}

func TestDecodeNeverPartiallyApplies(t *testing.T) {
	token, err := Encode(sampleSnapshot())
	require.NoError(t, err)

	// Corrupt the tail; whatever fails must yield a zero snapshot.
	corrupted := token[:len(token)-6] + "xxxxxx"
	snap, err := Decode(corrupted)
	if err != nil {
		assert.Zero(t, snap)
	}
}

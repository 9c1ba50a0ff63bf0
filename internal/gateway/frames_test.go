package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/coordinator"
	"github.com/pointdeck/pointdeck/internal/session"
)

func viewFixture(revealed bool) session.Snapshot {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := session.New("ABC123", session.Participant{ID: "alice", Name: "Alice"}, now)
	s.AddParticipant(session.Participant{ID: "bob", Name: "Bob", Connected: true, JoinedAt: now, LastSeen: now})
	s.AddTask(session.Task{ID: "t1", Title: "one", CreatedAt: now})
	s.SelectTask("t1")
	s.SetVote("alice", "5")
	s.SetVote("bob", "5")
	if revealed {
		s.Reveal()
	}
	return s.Snapshot()
}

func TestStateViewHidesVotesUntilRevealed(t *testing.T) {
	view := NewStateView(viewFixture(false))

	assert.Equal(t, session.PhaseTaskSelected, view.Phase)
	assert.Nil(t, view.Votes, "vote values stay hidden before reveal")
	assert.True(t, view.Voted["alice"])
	assert.True(t, view.Voted["bob"])
	assert.False(t, view.Consensus)
	assert.Equal(t, session.Deck, view.Deck)
}

func TestStateViewExposesVotesAfterReveal(t *testing.T) {
	view := NewStateView(viewFixture(true))

	assert.Equal(t, session.PhaseRevealed, view.Phase)
	require.NotNil(t, view.Votes)
	assert.Equal(t, session.CardValue("5"), view.Votes["alice"])
	assert.True(t, view.Consensus, "both voted 5")
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{session.ErrInvalidSessionID, "invalid_session_id"},
		{session.ErrSessionNotFound, "session_not_found"},
		{session.ErrPermissionDenied, "permission_denied"},
		{session.ErrInvalidVote, "invalid_vote"},
		{session.ErrVotingClosed, "voting_closed"},
		{session.ErrAuthenticationFailed, "authentication_failed"},
		{session.ErrRemoteWriteDenied, "remote_write_denied"},
		{session.ErrNoTransportAvailable, "no_transport_available"},
		{session.ErrInvalidShareToken, "invalid_share_token"},
		{coordinator.ErrNameRequired, "name_required"},
		{coordinator.ErrNoSession, "no_active_session"},
		{errors.New("anything else"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, errorCode(tt.err))
	}
}

func TestErrorCodesUnwrapWrappedErrors(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), session.ErrVotingClosed)
	assert.Equal(t, "voting_closed", errorCode(wrapped))
}

package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/coordinator"
	"github.com/pointdeck/pointdeck/internal/session"
	"github.com/pointdeck/pointdeck/internal/transport"
)

// Frame is one server-to-client message.
type Frame struct {
	Type          string     `json:"type"`
	SessionID     string     `json:"session_id,omitempty"`
	ParticipantID string     `json:"participant_id,omitempty"`
	TaskID        string     `json:"task_id,omitempty"`
	Token         string     `json:"token,omitempty"`
	Link          string     `json:"link,omitempty"`
	Component     string     `json:"component,omitempty"`
	Status        string     `json:"status,omitempty"`
	State         *StateView `json:"state,omitempty"`
	Code          string     `json:"code,omitempty"`
	Error         string     `json:"error,omitempty"`
}

const (
	frameState   = "state"
	frameStatus  = "status"
	frameCreated = "session_created"
	frameJoined  = "session_joined"
	frameLeft    = "session_left"
	frameTask    = "task_added"
	frameToken   = "share_token"
	frameError   = "error"
)

// StateView is the client-facing projection of a snapshot. Vote values
// are withheld until the round is revealed; before that only the fact of
// having voted is visible.
type StateView struct {
	ID            string                       `json:"id"`
	HostID        string                       `json:"host_id"`
	Phase         session.Phase                `json:"phase"`
	CurrentTaskID string                       `json:"current_task_id,omitempty"`
	VotesRevealed bool                         `json:"votes_revealed"`
	Version       uint64                       `json:"version"`
	Participants  []session.Participant        `json:"participants"`
	Tasks         []session.Task               `json:"tasks"`
	Voted         map[string]bool              `json:"voted"`
	Votes         map[string]session.CardValue `json:"votes,omitempty"`
	Consensus     bool                         `json:"consensus"`
	Deck          []session.CardValue          `json:"deck"`
}

// NewStateView projects a snapshot for client consumption.
func NewStateView(snap session.Snapshot) *StateView {
	phase := session.PhaseOpen
	switch {
	case snap.VotesRevealed:
		phase = session.PhaseRevealed
	case snap.CurrentTaskID != "":
		phase = session.PhaseTaskSelected
	}
	view := &StateView{
		ID:            snap.ID,
		HostID:        snap.HostID,
		Phase:         phase,
		CurrentTaskID: snap.CurrentTaskID,
		VotesRevealed: snap.VotesRevealed,
		Version:       snap.Version,
		Participants:  snap.Participants,
		Tasks:         snap.Tasks,
		Voted:         make(map[string]bool, len(snap.Votes)),
		Deck:          session.Deck,
	}
	for id := range snap.Votes {
		view.Voted[id] = true
	}
	if snap.VotesRevealed {
		view.Votes = snap.Votes
		view.Consensus = snap.Consensus()
	}
	return view
}

func (c *Connection) sendFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("frame_type", f.Type).Msg("failed to marshal frame")
		return
	}
	c.enqueue(data)
}

func (c *Connection) pushState(snap session.Snapshot) {
	c.sendFrame(Frame{
		Type:      frameState,
		SessionID: snap.ID,
		State:     NewStateView(snap),
	})
}

func (c *Connection) pushStatus(component string, status transport.Status) {
	c.sendFrame(Frame{
		Type:      frameStatus,
		Component: component,
		Status:    string(status),
	})
}

func (c *Connection) sendError(err error) {
	c.sendFrame(Frame{
		Type:  frameError,
		Code:  errorCode(err),
		Error: err.Error(),
	})
}

// errorCode maps the error taxonomy onto stable client-facing codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		return "invalid_session_id"
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, session.ErrInvalidVote):
		return "invalid_vote"
	case errors.Is(err, session.ErrVotingClosed):
		return "voting_closed"
	case errors.Is(err, session.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, session.ErrRemoteWriteDenied):
		return "remote_write_denied"
	case errors.Is(err, session.ErrNoTransportAvailable):
		return "no_transport_available"
	case errors.Is(err, session.ErrInvalidShareToken):
		return "invalid_share_token"
	case errors.Is(err, coordinator.ErrNameRequired):
		return "name_required"
	case errors.Is(err, coordinator.ErrTitleRequired):
		return "title_required"
	case errors.Is(err, coordinator.ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, coordinator.ErrNoSession):
		return "no_active_session"
	case errors.Is(err, coordinator.ErrSessionActive):
		return "session_active"
	default:
		return "internal"
	}
}

const teardownTimeout = 5 * time.Second

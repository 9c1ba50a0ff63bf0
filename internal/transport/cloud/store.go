// Package cloud implements the remote-document transport. The backing
// store is opaque to the rest of the system: anything that can read, write
// and subscribe to the session document tree satisfies Store. The store's
// own consistency engine is authoritative; this layer only translates.
package cloud

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by reads for absent documents. Callers map it to
// session.ErrSessionNotFound at the lookup boundary.
var ErrNotFound = errors.New("document not found")

// SessionInfo is the session-level subtree: flags and host identity,
// writable only by the host under the store's access rules.
type SessionInfo struct {
	HostID        string    `json:"host_id"`
	CreatedAt     time.Time `json:"created_at"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	VotingEnabled bool      `json:"voting_enabled"`
	VotesRevealed bool      `json:"votes_revealed"`
}

// ParticipantRecord is one entry of the participants subtree, writable
// only by its own participant.
type ParticipantRecord struct {
	Name      string    `json:"name"`
	IsHost    bool      `json:"is_host"`
	JoinedAt  time.Time `json:"joined_at"`
	LastSeen  time.Time `json:"last_seen"`
	Connected bool      `json:"connected"`
}

// TaskRecord is one entry of the tasks subtree, writable only by the host.
type TaskRecord struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// VoteRecord is one entry of the votes subtree, writable only by its own
// participant.
type VoteRecord struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionDocument is the whole remote session tree as observed at one
// point in the store's ordering.
type SessionDocument struct {
	Info         *SessionInfo
	Participants map[string]ParticipantRecord
	Tasks        map[string]TaskRecord
	Votes        map[string]VoteRecord
}

// Store is the opaque read/write/subscribe service backing the cloud
// transport. Implementations surface permission rejections as
// session.ErrRemoteWriteDenied (wrapped with the underlying cause) and
// never retry on the caller's behalf.
type Store interface {
	// Authenticate performs the anonymous-identity acquisition step and
	// returns a stable caller identity.
	Authenticate(ctx context.Context) (string, error)

	// ReadInfo fetches the session-level subtree, ErrNotFound if absent.
	ReadInfo(ctx context.Context, sessionID string) (*SessionInfo, error)

	// ReadDocument fetches the whole session tree.
	ReadDocument(ctx context.Context, sessionID string) (SessionDocument, error)

	WriteInfo(ctx context.Context, sessionID string, info SessionInfo) error
	WriteParticipant(ctx context.Context, sessionID, participantID string, rec ParticipantRecord) error
	WriteTask(ctx context.Context, sessionID, taskID string, rec TaskRecord) error
	WriteVote(ctx context.Context, sessionID, participantID string, rec VoteRecord) error

	// ClearVotes removes the whole votes subtree for a session.
	ClearVotes(ctx context.Context, sessionID string) error

	// MarkDisconnected is the compensating write flipping a participant's
	// liveness off without deleting the record.
	MarkDisconnected(ctx context.Context, sessionID, participantID string) error

	// Watch subscribes to the whole-session document. The returned
	// channel delivers the full document on every remote change, in the
	// store's own total order, until stop is called or ctx ends.
	Watch(ctx context.Context, sessionID string) (<-chan SessionDocument, func(), error)

	Close() error
}

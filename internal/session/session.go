package session

import (
	"crypto/rand"
	"regexp"
	"sort"
	"time"
)

// CardValue is one entry of the fixed estimation deck.
type CardValue string

// Deck is the fixed ordered card set participants may vote with.
var Deck = []CardValue{"1", "2", "3", "5", "8", "13", "21", "?", "☕"}

// ValidCard reports whether v is a member of the deck.
func ValidCard(v CardValue) bool {
	for _, c := range Deck {
		if c == v {
			return true
		}
	}
	return false
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var idPattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// ValidID reports whether id is a well-formed six-character session code.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID generates a fresh six-character uppercase alphanumeric session code.
func NewID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// Participant is one member of a session. IDs are stable for the lifetime
// of one client context's membership.
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsHost    bool      `json:"is_host"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joined_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Task is one work item under estimation. Creation time defines display order.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// Phase describes where a round currently stands.
type Phase string

const (
	PhaseOpen         Phase = "open"
	PhaseTaskSelected Phase = "task_selected"
	PhaseRevealed     Phase = "revealed"
)

// Snapshot is the full-replace state value exchanged at every transport
// boundary. Participants are serialized as a slice sorted by join time so
// the wire form is deterministic; in memory the keyed mapping is canonical.
type Snapshot struct {
	ID            string               `json:"id"`
	HostID        string               `json:"host_id"`
	CreatedAt     time.Time            `json:"created_at"`
	CurrentTaskID string               `json:"current_task_id,omitempty"`
	VotingEnabled bool                 `json:"voting_enabled"`
	VotesRevealed bool                 `json:"votes_revealed"`
	Version       uint64               `json:"version"`
	Participants  []Participant        `json:"participants"`
	Tasks         []Task               `json:"tasks"`
	Votes         map[string]CardValue `json:"votes"`
}

// Consensus reports whether the revealed round converged on a single value.
func (s Snapshot) Consensus() bool {
	if !s.VotesRevealed || len(s.Votes) == 0 {
		return false
	}
	var first CardValue
	seen := false
	for _, v := range s.Votes {
		if !seen {
			first = v
			seen = true
			continue
		}
		if v != first {
			return false
		}
	}
	return true
}

// Session is the canonical in-memory session state. One instance is
// exclusively owned by one coordinator; all cross-context sharing goes
// through a transport as a Snapshot.
type Session struct {
	ID            string
	HostID        string
	CreatedAt     time.Time
	CurrentTaskID string
	VotingEnabled bool
	VotesRevealed bool
	Version       uint64

	participants map[string]Participant
	tasks        []Task
	votes        map[string]CardValue
}

// New creates a session owned by host, with voting open and no task selected.
func New(id string, host Participant, now time.Time) *Session {
	host.IsHost = true
	host.Connected = true
	host.JoinedAt = now
	host.LastSeen = now
	return &Session{
		ID:            id,
		HostID:        host.ID,
		CreatedAt:     now,
		VotingEnabled: true,
		Version:       1,
		participants:  map[string]Participant{host.ID: host},
		tasks:         nil,
		votes:         make(map[string]CardValue),
	}
}

// FromSnapshot rebuilds the canonical representation from a wire snapshot.
func FromSnapshot(snap Snapshot) *Session {
	s := &Session{
		ID:            snap.ID,
		HostID:        snap.HostID,
		CreatedAt:     snap.CreatedAt,
		CurrentTaskID: snap.CurrentTaskID,
		VotingEnabled: snap.VotingEnabled,
		VotesRevealed: snap.VotesRevealed,
		Version:       snap.Version,
		participants:  make(map[string]Participant, len(snap.Participants)),
		votes:         make(map[string]CardValue, len(snap.Votes)),
	}
	for _, p := range snap.Participants {
		s.participants[p.ID] = p
	}
	s.tasks = append(s.tasks, snap.Tasks...)
	sort.Slice(s.tasks, func(i, j int) bool {
		if s.tasks[i].CreatedAt.Equal(s.tasks[j].CreatedAt) {
			return s.tasks[i].ID < s.tasks[j].ID
		}
		return s.tasks[i].CreatedAt.Before(s.tasks[j].CreatedAt)
	})
	for id, v := range snap.Votes {
		s.votes[id] = v
	}
	return s
}

// Snapshot produces a deep copy suitable for handing across goroutines or
// transports.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:            s.ID,
		HostID:        s.HostID,
		CreatedAt:     s.CreatedAt,
		CurrentTaskID: s.CurrentTaskID,
		VotingEnabled: s.VotingEnabled,
		VotesRevealed: s.VotesRevealed,
		Version:       s.Version,
		Participants:  make([]Participant, 0, len(s.participants)),
		Tasks:         append([]Task(nil), s.tasks...),
		Votes:         make(map[string]CardValue, len(s.votes)),
	}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, p)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		a, b := snap.Participants[i], snap.Participants[j]
		if a.JoinedAt.Equal(b.JoinedAt) {
			return a.ID < b.ID
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
	for id, v := range s.votes {
		snap.Votes[id] = v
	}
	return snap
}

// Phase derives the round phase from the reveal flag and task selection.
func (s *Session) Phase() Phase {
	switch {
	case s.VotesRevealed:
		return PhaseRevealed
	case s.CurrentTaskID != "":
		return PhaseTaskSelected
	default:
		return PhaseOpen
	}
}

// Participant returns the record for id, if present.
func (s *Session) Participant(id string) (Participant, bool) {
	p, ok := s.participants[id]
	return p, ok
}

// Participants returns the number of membership records.
func (s *Session) Participants() int {
	return len(s.participants)
}

// ConnectedParticipants returns the number of members currently marked live.
func (s *Session) ConnectedParticipants() int {
	n := 0
	for _, p := range s.participants {
		if p.Connected {
			n++
		}
	}
	return n
}

// AddParticipant records a joining member. Re-adding a known ID refreshes
// its liveness but is otherwise a no-op, so duplicate join messages are
// harmless. Reports whether state changed.
func (s *Session) AddParticipant(p Participant) bool {
	if existing, ok := s.participants[p.ID]; ok {
		if existing.Connected && existing.LastSeen.Equal(p.LastSeen) {
			return false
		}
		existing.Connected = true
		if p.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = p.LastSeen
		}
		s.participants[p.ID] = existing
		s.Version++
		return true
	}
	p.IsHost = p.ID == s.HostID
	s.participants[p.ID] = p
	s.Version++
	return true
}

// MarkDisconnected flips the liveness flag for id. Participant records are
// never hard-deleted. Reports whether state changed.
func (s *Session) MarkDisconnected(id string) bool {
	p, ok := s.participants[id]
	if !ok || !p.Connected {
		return false
	}
	p.Connected = false
	s.participants[id] = p
	s.Version++
	return true
}

// TouchParticipant refreshes liveness bookkeeping for id.
func (s *Session) TouchParticipant(id string, at time.Time) {
	p, ok := s.participants[id]
	if !ok {
		return
	}
	p.Connected = true
	if at.After(p.LastSeen) {
		p.LastSeen = at
	}
	s.participants[id] = p
}

// Task returns the task with the given ID, if present.
func (s *Session) Task(id string) (Task, bool) {
	for _, t := range s.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Tasks returns the ordered task list.
func (s *Session) Tasks() []Task {
	return append([]Task(nil), s.tasks...)
}

// AddTask appends a task. Duplicate IDs are ignored so replayed messages
// stay idempotent. Reports whether state changed.
func (s *Session) AddTask(t Task) bool {
	if _, ok := s.Task(t.ID); ok {
		return false
	}
	s.tasks = append(s.tasks, t)
	s.Version++
	return true
}

// SelectTask starts a round on taskID: votes cleared, reveal flag down,
// voting open. The task must already be present.
func (s *Session) SelectTask(taskID string) bool {
	if _, ok := s.Task(taskID); !ok {
		return false
	}
	s.CurrentTaskID = taskID
	s.VotingEnabled = true
	s.VotesRevealed = false
	s.votes = make(map[string]CardValue)
	s.Version++
	return true
}

// CanVote reports whether a vote may be recorded right now. When
// requireTask is false the simplified single-round variant applies: voting
// is open whenever the session exists and has not been revealed.
func (s *Session) CanVote(requireTask bool) bool {
	if s.VotesRevealed || !s.VotingEnabled {
		return false
	}
	if requireTask && s.CurrentTaskID == "" {
		return false
	}
	return true
}

// SetVote stores or overwrites the participant's vote. Last write wins, no
// history retained.
func (s *Session) SetVote(participantID string, v CardValue) {
	s.votes[participantID] = v
	s.Version++
}

// Vote returns the recorded vote for a participant.
func (s *Session) Vote(participantID string) (CardValue, bool) {
	v, ok := s.votes[participantID]
	return v, ok
}

// Votes returns a copy of the vote mapping.
func (s *Session) Votes() map[string]CardValue {
	out := make(map[string]CardValue, len(s.votes))
	for id, v := range s.votes {
		out[id] = v
	}
	return out
}

// AllConnectedVoted reports whether every live participant has a vote down.
func (s *Session) AllConnectedVoted() bool {
	any := false
	for _, p := range s.participants {
		if !p.Connected {
			continue
		}
		any = true
		if _, ok := s.votes[p.ID]; !ok {
			return false
		}
	}
	return any
}

// Reveal freezes the round. Reports whether state changed.
func (s *Session) Reveal() bool {
	if s.VotesRevealed {
		return false
	}
	s.VotesRevealed = true
	s.Version++
	return true
}

// Reset clears the round: votes emptied, reveal flag down, task deselected,
// voting re-opened.
func (s *Session) Reset() {
	s.votes = make(map[string]CardValue)
	s.VotesRevealed = false
	s.CurrentTaskID = ""
	s.VotingEnabled = true
	s.Version++
}

// Package coordinator owns the in-memory session state for one
// participant context. It validates intents locally, mutates state, emits
// messages through exactly one transport, and applies inbound traffic
// idempotently. One coordinator per participant per context; no state is
// shared except through a transport.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/protocol"
	"github.com/pointdeck/pointdeck/internal/session"
	"github.com/pointdeck/pointdeck/internal/transport"
	"github.com/pointdeck/pointdeck/internal/transport/fragment"
)

var (
	// ErrNameRequired is returned for empty display names.
	ErrNameRequired = errors.New("display name required")

	// ErrTitleRequired is returned for empty task titles.
	ErrTitleRequired = errors.New("task title required")

	// ErrTaskNotFound is returned when selecting a task outside the list.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoSession is returned for operations without an active session.
	ErrNoSession = errors.New("no active session")

	// ErrSessionActive is returned when creating or joining over an
	// existing membership.
	ErrSessionActive = errors.New("session already active")
)

// Callbacks notify the presentation layer. Either may be nil.
type Callbacks struct {
	// OnStateChange fires on every local state change, whatever the cause.
	OnStateChange func(snap session.Snapshot)
	// OnConnectionStatusChange reports transport and auth lifecycle.
	OnConnectionStatusChange func(component string, status transport.Status)
}

// Config tunes coordinator policy.
type Config struct {
	// RequireTask gates voting on a selected task. False gives the
	// simplified single-round variant: voting is open until revealed.
	RequireTask bool
	// AutoReveal reveals automatically once every connected participant
	// has voted. A host convenience, off by default.
	AutoReveal bool
	// AutoRevealDelay is the grace period before an automatic reveal.
	AutoRevealDelay time.Duration
}

// DefaultConfig returns the standard policy: task-gated rounds, no
// auto-reveal.
func DefaultConfig() Config {
	return Config{
		RequireTask:     true,
		AutoRevealDelay: 2 * time.Second,
	}
}

type pendingVote struct {
	value session.CardValue
	acked bool
}

// Coordinator is the session-state owner for one participant context.
type Coordinator struct {
	clock     clockwork.Clock
	cfg       Config
	factories []transport.Factory
	cb        Callbacks

	mu         sync.Mutex
	self       session.Participant
	sess       *session.Session
	tr         transport.Transport
	pending    *pendingVote
	generation uint64
	autoTimer  clockwork.Timer
}

// New builds a coordinator over the given transport candidates, tried in
// the order supplied (preference order: cloud, local bus, fragment).
func New(clock clockwork.Clock, cfg Config, factories []transport.Factory, cb Callbacks) *Coordinator {
	if cfg.AutoRevealDelay <= 0 {
		cfg.AutoRevealDelay = DefaultConfig().AutoRevealDelay
	}
	return &Coordinator{
		clock:     clock,
		cfg:       cfg,
		factories: factories,
		cb:        cb,
	}
}

func (c *Coordinator) status(component string, st transport.Status) {
	if c.cb.OnConnectionStatusChange != nil {
		c.cb.OnConnectionStatusChange(component, st)
	}
}

func (c *Coordinator) emitState(snap session.Snapshot) {
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(snap)
	}
}

// CreateSession generates a fresh session with the caller as host and
// initializes the first transport candidate that succeeds. Fails with
// session.ErrNoTransportAvailable only when every candidate raised.
func (c *Coordinator) CreateSession(ctx context.Context, displayName string) (sessionID, participantID string, err error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return "", "", ErrNameRequired
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return "", "", ErrSessionActive
	}
	gen := c.generation
	now := c.clock.Now()
	self := session.Participant{
		ID:   uuid.New().String(),
		Name: displayName,
	}
	sess := session.New(session.NewID(), self, now)
	self, _ = sess.Participant(self.ID)
	snap := sess.Snapshot()
	c.mu.Unlock()

	handler := &inboundHandler{c: c, gen: gen}
	var tr transport.Transport
	for _, f := range c.factories {
		c.status(transport.ComponentTransport, transport.StatusConnecting)
		tr, err = f.Create(ctx, snap, handler, c.status)
		if err != nil {
			log.Warn().
				Err(err).
				Str("transport", f.Name()).
				Str("session_id", snap.ID).
				Msg("transport initialization failed, trying next")
			continue
		}
		break
	}
	if tr == nil {
		c.status(transport.ComponentTransport, transport.StatusFailed)
		return "", "", session.ErrNoTransportAvailable
	}

	c.mu.Lock()
	if c.generation != gen || c.sess != nil {
		c.mu.Unlock()
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tr.Leave(leaveCtx)
		return "", "", ErrSessionActive
	}
	c.self = self
	c.sess = sess
	c.tr = tr
	c.mu.Unlock()

	log.Info().
		Str("session_id", sess.ID).
		Str("participant_id", self.ID).
		Str("transport", tr.Name()).
		Msg("session created")
	c.emitState(snap)
	return sess.ID, self.ID, nil
}

// JoinSession validates the session code, locates the session through the
// transport preference order, and registers the caller as participant.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID, displayName string) (participantID string, err error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return "", ErrNameRequired
	}
	if !session.ValidID(sessionID) {
		return "", session.ErrInvalidSessionID
	}
	return c.join(ctx, transport.JoinOptions{SessionID: sessionID}, displayName)
}

// ImportShareToken joins via a fragment share token: a one-time snapshot
// import rather than a subscription.
func (c *Coordinator) ImportShareToken(ctx context.Context, token, displayName string) (participantID string, err error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return "", ErrNameRequired
	}
	if token == "" {
		return "", session.ErrInvalidShareToken
	}

	c.mu.Lock()
	if c.sess != nil {
		// Already a member: a re-shared token is a refresh, applied only
		// when it carries a strictly newer version than local state.
		defer c.mu.Unlock()
		snap, err := fragment.Decode(token)
		if err != nil {
			return "", err
		}
		if snap.ID != c.sess.ID {
			return "", ErrSessionActive
		}
		id := c.self.ID
		if snap.Version <= c.sess.Version {
			return id, nil
		}
		if out, ok := c.applySnapshotLocked(snap); ok {
			go c.emitState(out)
		}
		return id, nil
	}
	c.mu.Unlock()

	return c.join(ctx, transport.JoinOptions{ShareToken: token}, displayName)
}

func (c *Coordinator) join(ctx context.Context, opts transport.JoinOptions, displayName string) (string, error) {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return "", ErrSessionActive
	}
	gen := c.generation
	now := c.clock.Now()
	self := session.Participant{
		ID:        uuid.New().String(),
		Name:      displayName,
		Connected: true,
		JoinedAt:  now,
		LastSeen:  now,
	}
	c.mu.Unlock()

	opts.Self = self
	handler := &inboundHandler{c: c, gen: gen}

	var (
		tr       transport.Transport
		initial  *session.Snapshot
		lastErr  error
		notFound = true
	)
	for _, f := range c.factories {
		c.status(transport.ComponentTransport, transport.StatusConnecting)
		t, snap, err := f.Join(ctx, opts, handler, c.status)
		if err != nil {
			if !errors.Is(err, session.ErrSessionNotFound) {
				notFound = false
				lastErr = err
			}
			log.Warn().
				Err(err).
				Str("transport", f.Name()).
				Str("session_id", opts.SessionID).
				Msg("transport lookup failed, trying next")
			continue
		}
		tr, initial = t, snap
		break
	}
	if tr == nil {
		c.status(transport.ComponentTransport, transport.StatusFailed)
		if notFound || lastErr == nil {
			return "", session.ErrSessionNotFound
		}
		return "", lastErr
	}

	var sess *session.Session
	if initial != nil {
		sess = session.FromSnapshot(*initial)
	} else {
		// No snapshot yet (local bus): hold a provisional view until the
		// host's broadcast converges us.
		sess = session.FromSnapshot(session.Snapshot{
			ID:            opts.SessionID,
			VotingEnabled: true,
			Votes:         map[string]session.CardValue{},
		})
	}
	sess.AddParticipant(self)

	c.mu.Lock()
	if c.generation != gen || c.sess != nil {
		c.mu.Unlock()
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tr.Leave(leaveCtx)
		return "", ErrSessionActive
	}
	c.self = self
	c.sess = sess
	c.tr = tr
	snap := sess.Snapshot()
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.KindUserJoined, snap.ID, self.ID,
		c.clock.Now(), protocol.UserJoinedPayload{Participant: self})
	if err == nil {
		if err := tr.Broadcast(ctx, env); err != nil {
			log.Warn().Err(err).Str("session_id", snap.ID).Msg("join announcement failed")
		}
	}

	log.Info().
		Str("session_id", snap.ID).
		Str("participant_id", self.ID).
		Str("transport", tr.Name()).
		Msg("session joined")
	c.emitState(snap)
	return self.ID, nil
}

// AddTask appends a task to the backlog. Host only.
func (c *Coordinator) AddTask(ctx context.Context, title, description string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrTitleRequired
	}

	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return "", ErrNoSession
	}
	if c.self.ID != c.sess.HostID {
		c.mu.Unlock()
		return "", session.ErrPermissionDenied
	}
	task := session.Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		CreatedAt:   c.clock.Now(),
		CreatedBy:   c.self.ID,
	}
	c.sess.AddTask(task)
	snap := c.sess.Snapshot()
	env, envErr := protocol.NewEnvelope(protocol.KindTaskAdded, snap.ID, c.self.ID,
		c.clock.Now(), protocol.TaskAddedPayload{Task: task})
	tr := c.tr
	c.mu.Unlock()

	c.emitState(snap)
	if envErr != nil {
		return task.ID, envErr
	}
	if err := tr.Broadcast(ctx, env); err != nil {
		return task.ID, err
	}
	return task.ID, nil
}

// SelectTask starts a round: current task set, votes cleared, reveal flag
// down. Host only.
func (c *Coordinator) SelectTask(ctx context.Context, taskID string) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.self.ID != c.sess.HostID {
		c.mu.Unlock()
		return session.ErrPermissionDenied
	}
	if !c.sess.SelectTask(taskID) {
		c.mu.Unlock()
		return ErrTaskNotFound
	}
	c.pending = nil
	c.stopAutoRevealLocked()
	snap := c.sess.Snapshot()
	env, envErr := protocol.NewEnvelope(protocol.KindTaskSelected, snap.ID, c.self.ID,
		c.clock.Now(), protocol.TaskSelectedPayload{TaskID: taskID})
	tr := c.tr
	c.mu.Unlock()

	c.emitState(snap)
	if envErr != nil {
		return envErr
	}
	return tr.Broadcast(ctx, env)
}

// CastVote records or overwrites the caller's vote for the open round.
func (c *Coordinator) CastVote(ctx context.Context, value session.CardValue) error {
	if !session.ValidCard(value) {
		return session.ErrInvalidVote
	}

	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if !c.sess.CanVote(c.cfg.RequireTask) {
		c.mu.Unlock()
		return session.ErrVotingClosed
	}
	c.sess.SetVote(c.self.ID, value)
	c.pending = &pendingVote{value: value}
	c.maybeScheduleAutoRevealLocked()
	snap := c.sess.Snapshot()
	env, envErr := protocol.NewEnvelope(protocol.KindVoteCast, snap.ID, c.self.ID,
		c.clock.Now(), protocol.VoteCastPayload{UserID: c.self.ID, Value: value})
	tr := c.tr
	c.mu.Unlock()

	c.emitState(snap)
	if envErr != nil {
		return envErr
	}
	if err := tr.Broadcast(ctx, env); err != nil {
		return err
	}

	// Acknowledged: from here on remote snapshots fully replace the local
	// vote rather than being overlaid by it.
	c.mu.Lock()
	if c.pending != nil && c.pending.value == value {
		c.pending.acked = true
	}
	c.mu.Unlock()
	return nil
}

// RevealVotes freezes the round. Host only.
func (c *Coordinator) RevealVotes(ctx context.Context) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.self.ID != c.sess.HostID {
		c.mu.Unlock()
		return session.ErrPermissionDenied
	}
	c.sess.Reveal()
	c.pending = nil
	c.stopAutoRevealLocked()
	snap := c.sess.Snapshot()
	env, envErr := protocol.NewEnvelope(protocol.KindVotesRevealed, snap.ID, c.self.ID,
		c.clock.Now(), protocol.VotesRevealedPayload{RevealedAt: c.clock.Now()})
	tr := c.tr
	c.mu.Unlock()

	c.emitState(snap)
	if envErr != nil {
		return envErr
	}
	return tr.Broadcast(ctx, env)
}

// NextRound clears the round: votes emptied, reveal flag down, task
// deselected. Host only.
func (c *Coordinator) NextRound(ctx context.Context) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.self.ID != c.sess.HostID {
		c.mu.Unlock()
		return session.ErrPermissionDenied
	}
	c.sess.Reset()
	c.pending = nil
	c.stopAutoRevealLocked()
	snap := c.sess.Snapshot()
	env, envErr := protocol.NewEnvelope(protocol.KindRoundReset, snap.ID, c.self.ID,
		c.clock.Now(), protocol.RoundResetPayload{ResetAt: c.clock.Now()})
	tr := c.tr
	c.mu.Unlock()

	c.emitState(snap)
	if envErr != nil {
		return envErr
	}
	return tr.Broadcast(ctx, env)
}

// LeaveSession marks the caller disconnected, tears the transport down and
// clears local state. Timers stop and late transport callbacks are
// discarded before this returns.
func (c *Coordinator) LeaveSession(ctx context.Context) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	tr := c.tr
	sessionID := c.sess.ID
	c.generation++
	c.sess = nil
	c.tr = nil
	c.pending = nil
	c.stopAutoRevealLocked()
	c.mu.Unlock()

	err := tr.Leave(ctx)
	c.status(transport.ComponentTransport, transport.StatusDisconnected)
	log.Info().Str("session_id", sessionID).Msg("session left")
	return err
}

// Snapshot returns the current state, if a session is active.
func (c *Coordinator) Snapshot() (session.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return session.Snapshot{}, false
	}
	return c.sess.Snapshot(), true
}

// ShareToken derives the current fragment share token. Callers re-share it
// after mutations; there is no push channel for this form.
func (c *Coordinator) ShareToken() (string, error) {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return "", ErrNoSession
	}
	snap := c.sess.Snapshot()
	c.mu.Unlock()
	token, err := fragment.Encode(snap)
	if err != nil {
		return "", fmt.Errorf("derive share token: %w", err)
	}
	return token, nil
}

// SessionID returns the active session code, if any.
func (c *Coordinator) SessionID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return "", false
	}
	return c.sess.ID, true
}

// ParticipantID returns the caller's participant ID, if in a session.
func (c *Coordinator) ParticipantID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return "", false
	}
	return c.self.ID, true
}

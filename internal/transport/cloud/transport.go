package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/protocol"
	"github.com/pointdeck/pointdeck/internal/session"
	"github.com/pointdeck/pointdeck/internal/transport"
)

// TransportName identifies the strategy.
const TransportName = "cloud"

// Config tunes presence bookkeeping against the remote store.
type Config struct {
	// PresenceInterval is how often the caller's own lastSeen is rewritten.
	PresenceInterval time.Duration
	// PresenceTTL is how stale a peer's lastSeen may be before the peer is
	// reported disconnected. This is the eventual-consistent stand-in for
	// a store-side on-disconnect write where the backend has none.
	PresenceTTL time.Duration
}

// DefaultConfig returns the standard presence timings.
func DefaultConfig() Config {
	return Config{
		PresenceInterval: 30 * time.Second,
		PresenceTTL:      90 * time.Second,
	}
}

// Transport maps session state to and from the remote document tree. Every
// remote update is delivered to the owner as a full-replace snapshot; every
// local action becomes one scoped remote write.
type Transport struct {
	store   Store
	clock   clockwork.Clock
	cfg     Config
	handler transport.Handler
	status  transport.StatusFunc

	sessionID string
	self      session.Participant
	isHost    bool

	stopWatch func()
	done      chan struct{}
	wg        sync.WaitGroup

	mu     sync.Mutex
	info   SessionInfo
	rev    uint64
	closed bool
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return TransportName }

// Broadcast translates one local action into its scoped remote write.
// Failures propagate as-is; retry policy belongs to the owner.
func (t *Transport) Broadcast(ctx context.Context, env protocol.Envelope) error {
	payload, err := protocol.DecodePayload(env)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case protocol.VoteCastPayload:
		return t.store.WriteVote(ctx, t.sessionID, p.UserID, VoteRecord{
			Value:     string(p.Value),
			Timestamp: env.Timestamp,
		})

	case protocol.TaskAddedPayload:
		return t.store.WriteTask(ctx, t.sessionID, p.Task.ID, TaskRecord{
			Title:       p.Task.Title,
			Description: p.Task.Description,
			CreatedAt:   p.Task.CreatedAt,
			CreatedBy:   p.Task.CreatedBy,
		})

	case protocol.TaskSelectedPayload:
		info := t.updateInfo(func(i *SessionInfo) {
			i.CurrentTaskID = p.TaskID
			i.VotingEnabled = true
			i.VotesRevealed = false
		})
		if err := t.store.WriteInfo(ctx, t.sessionID, info); err != nil {
			return err
		}
		return t.store.ClearVotes(ctx, t.sessionID)

	case protocol.VotesRevealedPayload:
		info := t.updateInfo(func(i *SessionInfo) {
			i.VotesRevealed = true
		})
		return t.store.WriteInfo(ctx, t.sessionID, info)

	case protocol.RoundResetPayload:
		info := t.updateInfo(func(i *SessionInfo) {
			i.CurrentTaskID = ""
			i.VotingEnabled = true
			i.VotesRevealed = false
		})
		if err := t.store.WriteInfo(ctx, t.sessionID, info); err != nil {
			return err
		}
		return t.store.ClearVotes(ctx, t.sessionID)

	case protocol.UserJoinedPayload:
		return t.store.WriteParticipant(ctx, t.sessionID, p.Participant.ID, participantRecord(p.Participant))

	case protocol.UserLeftPayload:
		return t.store.MarkDisconnected(ctx, t.sessionID, p.UserID)

	default:
		// Heartbeats and snapshots are owned by this layer's presence and
		// watch machinery; nothing to write.
		return nil
	}
}

// PushSnapshot keeps the host's session-level flags authoritative on the
// store. Participants converge by reading the document, so nothing else is
// written.
func (t *Transport) PushSnapshot(ctx context.Context, snap session.Snapshot) error {
	if !t.isHost {
		return nil
	}
	info := t.updateInfo(func(i *SessionInfo) {
		i.CurrentTaskID = snap.CurrentTaskID
		i.VotingEnabled = snap.VotingEnabled
		i.VotesRevealed = snap.VotesRevealed
	})
	return t.store.WriteInfo(ctx, t.sessionID, info)
}

// Leave marks the caller disconnected, then synchronously stops presence
// and the watch subscription. The remote document itself is never deleted.
func (t *Transport) Leave(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.store.MarkDisconnected(ctx, t.sessionID, t.self.ID)

	close(t.done)
	t.stopWatch()
	t.wg.Wait()

	if t.status != nil {
		t.status(transport.ComponentTransport, transport.StatusDisconnected)
	}
	log.Debug().
		Str("session_id", t.sessionID).
		Str("user_id", t.self.ID).
		Msg("left cloud session")
	return err
}

func (t *Transport) updateInfo(mutate func(*SessionInfo)) SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	mutate(&t.info)
	return t.info
}

func (t *Transport) start(ctx context.Context) error {
	// The subscription outlives the create/join call that opened it: its
	// lifetime is the transport's own, ended by Leave, so the caller's
	// init context must not cancel it.
	updates, stop, err := t.store.Watch(context.WithoutCancel(ctx), t.sessionID)
	if err != nil {
		return fmt.Errorf("subscribe to session document: %w", err)
	}
	t.stopWatch = stop
	t.done = make(chan struct{})

	t.wg.Add(2)
	go t.watchLoop(updates)
	go t.presenceLoop()
	return nil
}

func (t *Transport) watchLoop(updates <-chan SessionDocument) {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case doc, ok := <-updates:
			if !ok {
				return
			}
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			if doc.Info != nil {
				t.info = *doc.Info
			}
			t.rev++
			snap := t.documentToSnapshot(doc)
			t.mu.Unlock()

			t.handler.HandleSnapshot(snap)
		}
	}
}

// presenceLoop periodically rewrites the caller's own lastSeen so peers
// observing staleness can tell a crash from a healthy-but-quiet client.
func (t *Transport) presenceLoop() {
	defer t.wg.Done()

	ticker := t.clock.NewTicker(t.cfg.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.Chan():
			rec := participantRecord(t.self)
			rec.LastSeen = t.clock.Now()
			rec.Connected = true
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.store.WriteParticipant(ctx, t.sessionID, t.self.ID, rec); err != nil {
				log.Warn().
					Err(err).
					Str("session_id", t.sessionID).
					Msg("presence refresh failed")
			}
			cancel()
		}
	}
}

// documentToSnapshot converts the remote shape into canonical session
// state. Caller holds t.mu.
func (t *Transport) documentToSnapshot(doc SessionDocument) session.Snapshot {
	return snapshotFromDocument(doc, t.sessionID, t.rev, t.clock.Now(), t.cfg.PresenceTTL)
}

// snapshotFromDocument converts the remote shape into canonical session
// state. Peers whose lastSeen fell beyond the presence TTL are reported
// disconnected regardless of their own flag.
func snapshotFromDocument(doc SessionDocument, sessionID string, rev uint64, now time.Time, presenceTTL time.Duration) session.Snapshot {
	snap := session.Snapshot{
		ID:      sessionID,
		Version: rev,
		Votes:   make(map[string]session.CardValue, len(doc.Votes)),
	}
	if doc.Info != nil {
		snap.HostID = doc.Info.HostID
		snap.CreatedAt = doc.Info.CreatedAt
		snap.CurrentTaskID = doc.Info.CurrentTaskID
		snap.VotingEnabled = doc.Info.VotingEnabled
		snap.VotesRevealed = doc.Info.VotesRevealed
	}
	for id, rec := range doc.Participants {
		connected := rec.Connected && now.Sub(rec.LastSeen) <= presenceTTL
		snap.Participants = append(snap.Participants, session.Participant{
			ID:        id,
			Name:      rec.Name,
			IsHost:    rec.IsHost,
			Connected: connected,
			JoinedAt:  rec.JoinedAt,
			LastSeen:  rec.LastSeen,
		})
	}
	for id, rec := range doc.Tasks {
		snap.Tasks = append(snap.Tasks, session.Task{
			ID:          id,
			Title:       rec.Title,
			Description: rec.Description,
			CreatedAt:   rec.CreatedAt,
			CreatedBy:   rec.CreatedBy,
		})
	}
	for id, rec := range doc.Votes {
		snap.Votes[id] = session.CardValue(rec.Value)
	}
	return snap
}

func participantRecord(p session.Participant) ParticipantRecord {
	return ParticipantRecord{
		Name:      p.Name,
		IsHost:    p.IsHost,
		JoinedAt:  p.JoinedAt,
		LastSeen:  p.LastSeen,
		Connected: p.Connected,
	}
}

// Factory builds cloud transports against one Store.
type Factory struct {
	store Store
	clock clockwork.Clock
	cfg   Config
}

// NewFactory wires the strategy to a store backend.
func NewFactory(store Store, clock clockwork.Clock, cfg Config) *Factory {
	return &Factory{store: store, clock: clock, cfg: cfg}
}

// Name implements transport.Factory.
func (f *Factory) Name() string { return TransportName }

func (f *Factory) authenticate(ctx context.Context, status transport.StatusFunc) (string, error) {
	if status != nil {
		status(transport.ComponentAuth, transport.StatusAuthenticating)
	}
	identity, err := f.store.Authenticate(ctx)
	if err != nil {
		if status != nil {
			status(transport.ComponentAuth, transport.StatusFailed)
		}
		return "", fmt.Errorf("%w: %v", session.ErrAuthenticationFailed, err)
	}
	if status != nil {
		status(transport.ComponentAuth, transport.StatusAuthenticated)
	}
	return identity, nil
}

// Create initializes the remote session as host: the info subtree plus the
// caller's own participant record.
func (f *Factory) Create(ctx context.Context, snap session.Snapshot, h transport.Handler, status transport.StatusFunc) (transport.Transport, error) {
	identity, err := f.authenticate(ctx, status)
	if err != nil {
		return nil, err
	}

	var self session.Participant
	for _, p := range snap.Participants {
		if p.ID == snap.HostID {
			self = p
			break
		}
	}

	info := SessionInfo{
		HostID:        snap.HostID,
		CreatedAt:     snap.CreatedAt,
		CurrentTaskID: snap.CurrentTaskID,
		VotingEnabled: snap.VotingEnabled,
		VotesRevealed: snap.VotesRevealed,
	}
	if err := f.store.WriteInfo(ctx, snap.ID, info); err != nil {
		return nil, err
	}
	if err := f.store.WriteParticipant(ctx, snap.ID, self.ID, participantRecord(self)); err != nil {
		return nil, err
	}

	t := &Transport{
		store:     f.store,
		clock:     f.clock,
		cfg:       f.cfg,
		handler:   h,
		status:    status,
		sessionID: snap.ID,
		self:      self,
		isHost:    true,
		info:      info,
	}
	if err := t.start(ctx); err != nil {
		return nil, err
	}
	if status != nil {
		status(transport.ComponentTransport, transport.StatusConnected)
	}
	log.Info().
		Str("session_id", snap.ID).
		Str("identity", identity).
		Msg("cloud session created")
	return t, nil
}

// Join initializes the remote session as participant: confirm existence by
// reading info, then write only the caller's own participant record.
func (f *Factory) Join(ctx context.Context, opts transport.JoinOptions, h transport.Handler, status transport.StatusFunc) (transport.Transport, *session.Snapshot, error) {
	identity, err := f.authenticate(ctx, status)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.store.ReadInfo(ctx, opts.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, session.ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("read session info: %w", err)
	}

	if err := f.store.WriteParticipant(ctx, opts.SessionID, opts.Self.ID, participantRecord(opts.Self)); err != nil {
		return nil, nil, err
	}

	t := &Transport{
		store:     f.store,
		clock:     f.clock,
		cfg:       f.cfg,
		handler:   h,
		status:    status,
		sessionID: opts.SessionID,
		self:      opts.Self,
		isHost:    false,
		info:      *info,
	}

	doc, err := f.store.ReadDocument(ctx, opts.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("read session document: %w", err)
	}

	if err := t.start(ctx); err != nil {
		return nil, nil, err
	}
	if status != nil {
		status(transport.ComponentTransport, transport.StatusConnected)
	}

	t.mu.Lock()
	t.rev++
	snap := t.documentToSnapshot(doc)
	t.mu.Unlock()

	log.Info().
		Str("session_id", opts.SessionID).
		Str("identity", identity).
		Msg("joined cloud session")
	return t, &snap, nil
}

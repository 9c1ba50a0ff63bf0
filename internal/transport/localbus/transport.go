package localbus

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/protocol"
	"github.com/pointdeck/pointdeck/internal/session"
	"github.com/pointdeck/pointdeck/internal/transport"
)

// TransportName identifies the strategy.
const TransportName = "localbus"

// Config tunes heartbeat-based presence.
type Config struct {
	HeartbeatInterval time.Duration
	PresenceTimeout   time.Duration
}

// DefaultConfig returns the standard presence timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 3 * time.Second,
		PresenceTimeout:   10 * time.Second,
	}
}

// Transport is one participant context's attachment to the bus.
type Transport struct {
	broker  *Broker
	clock   clockwork.Clock
	cfg     Config
	handler transport.Handler

	sessionID string
	self      session.Participant
	isHost    bool

	sub  *Subscription
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]time.Time
	closed bool
}

func newTransport(b *Broker, clock clockwork.Clock, cfg Config, h transport.Handler, sessionID string, self session.Participant, isHost bool) *Transport {
	t := &Transport{
		broker:    b,
		clock:     clock,
		cfg:       cfg,
		handler:   h,
		sessionID: sessionID,
		self:      self,
		isHost:    isHost,
		done:      make(chan struct{}),
		peers:     make(map[string]time.Time),
	}
	t.sub = b.Subscribe(sessionID, self.ID)
	t.wg.Add(1)
	go t.run()
	return t
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return TransportName }

// Broadcast stamps the envelope and publishes it. Send never fails; this
// strategy is fire-and-forget on both channels.
func (t *Transport) Broadcast(ctx context.Context, env protocol.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	env.SessionID = t.sessionID
	env.SenderID = t.self.ID
	env.Timestamp = t.clock.Now()
	t.broker.Publish(env)
	return nil
}

// PushSnapshot broadcasts a full state snapshot. The bus has no
// point-to-point addressing, so joiner convergence rides on broadcast.
func (t *Transport) PushSnapshot(ctx context.Context, snap session.Snapshot) error {
	env, err := protocol.NewEnvelope(protocol.KindStateSnapshot, t.sessionID, t.self.ID,
		t.clock.Now(), protocol.StateSnapshotPayload{Snapshot: snap})
	if err != nil {
		return err
	}
	t.broker.Publish(env)
	return nil
}

// Leave announces departure, then synchronously stops the heartbeat loop
// and detaches from the bus so no stale callback can resurrect presence.
func (t *Transport) Leave(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	left, err := protocol.NewEnvelope(protocol.KindUserLeft, t.sessionID, t.self.ID,
		t.clock.Now(), protocol.UserLeftPayload{UserID: t.self.ID, Reason: protocol.LeaveReasonExplicit})
	if err == nil {
		t.broker.Publish(left)
	}

	close(t.done)
	t.wg.Wait()
	t.sub.Cancel()
	log.Debug().
		Str("session_id", t.sessionID).
		Str("user_id", t.self.ID).
		Msg("left local bus")
	return nil
}

func (t *Transport) run() {
	defer t.wg.Done()

	ticker := t.clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	t.sendHeartbeat()

	for {
		select {
		case <-t.done:
			return
		case env, ok := <-t.sub.C:
			if !ok {
				return
			}
			t.dispatch(env)
		case <-ticker.Chan():
			t.sendHeartbeat()
			t.expirePeers()
		}
	}
}

func (t *Transport) sendHeartbeat() {
	env, err := protocol.NewEnvelope(protocol.KindHeartbeat, t.sessionID, t.self.ID,
		t.clock.Now(), protocol.HeartbeatPayload{UserID: t.self.ID, IsHost: t.isHost})
	if err != nil {
		return
	}
	t.broker.Publish(env)
	if t.isHost {
		t.broker.Announce(t.sessionID)
	}
}

// dispatch tracks peer liveness and forwards everything else to the owner.
func (t *Transport) dispatch(env protocol.Envelope) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	switch env.Kind {
	case protocol.KindHeartbeat, protocol.KindUserJoined:
		t.peers[env.SenderID] = t.clock.Now()
	case protocol.KindUserLeft:
		delete(t.peers, env.SenderID)
	}
	t.mu.Unlock()

	t.handler.HandleMessage(env)
}

// expirePeers reports peers silent beyond the presence timeout as having
// left, then forgets them.
func (t *Transport) expirePeers() {
	now := t.clock.Now()

	t.mu.Lock()
	var expired []string
	for id, last := range t.peers {
		if now.Sub(last) > t.cfg.PresenceTimeout {
			expired = append(expired, id)
			delete(t.peers, id)
		}
	}
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}
	for _, id := range expired {
		log.Info().
			Str("session_id", t.sessionID).
			Str("user_id", id).
			Msg("peer heartbeat timed out")
		env, err := protocol.NewEnvelope(protocol.KindUserLeft, t.sessionID, id,
			now, protocol.UserLeftPayload{UserID: id, Reason: protocol.LeaveReasonTimeout})
		if err != nil {
			continue
		}
		t.handler.HandleMessage(env)
	}
}

// Factory builds bus transports against one shared broker.
type Factory struct {
	broker *Broker
	clock  clockwork.Clock
	cfg    Config
}

// NewFactory wires the strategy to an existing broker.
func NewFactory(b *Broker, clock clockwork.Clock, cfg Config) *Factory {
	return &Factory{broker: b, clock: clock, cfg: cfg}
}

// Name implements transport.Factory.
func (f *Factory) Name() string { return TransportName }

// Create attaches the host context and marks the session discoverable.
func (f *Factory) Create(ctx context.Context, snap session.Snapshot, h transport.Handler, status transport.StatusFunc) (transport.Transport, error) {
	var self session.Participant
	for _, p := range snap.Participants {
		if p.ID == snap.HostID {
			self = p
			break
		}
	}
	f.broker.Announce(snap.ID)
	t := newTransport(f.broker, f.clock, f.cfg, h, snap.ID, self, true)
	if status != nil {
		status(transport.ComponentTransport, transport.StatusConnected)
	}
	return t, nil
}

// Join attaches a participant context. The session must have a live marker
// on this bus; the initial snapshot arrives via the host's broadcast after
// it observes the join message.
func (f *Factory) Join(ctx context.Context, opts transport.JoinOptions, h transport.Handler, status transport.StatusFunc) (transport.Transport, *session.Snapshot, error) {
	if !f.broker.HasSession(opts.SessionID) {
		return nil, nil, session.ErrSessionNotFound
	}
	t := newTransport(f.broker, f.clock, f.cfg, h, opts.SessionID, opts.Self, false)
	if status != nil {
		status(transport.ComponentTransport, transport.StatusConnected)
	}
	return t, nil, nil
}

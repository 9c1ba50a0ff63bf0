package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/protocol"
	"github.com/pointdeck/pointdeck/internal/session"
	"github.com/pointdeck/pointdeck/internal/transport"
	"github.com/pointdeck/pointdeck/internal/transport/fragment"
)

type fakeTransport struct {
	mu           sync.Mutex
	name         string
	broadcasts   []protocol.Envelope
	snapshots    []session.Snapshot
	leaveCalls   int
	broadcastErr error
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Broadcast(ctx context.Context, env protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broadcastErr != nil {
		return t.broadcastErr
	}
	t.broadcasts = append(t.broadcasts, env)
	return nil
}

func (t *fakeTransport) PushSnapshot(ctx context.Context, snap session.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots = append(t.snapshots, snap)
	return nil
}

func (t *fakeTransport) Leave(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaveCalls++
	return nil
}

func (t *fakeTransport) sent(kind protocol.Kind) []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range t.broadcasts {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func (t *fakeTransport) pushCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.snapshots)
}

type fakeFactory struct {
	name      string
	createErr error
	joinErr   error
	initial   *session.Snapshot

	mu      sync.Mutex
	tr      *fakeTransport
	handler transport.Handler
}

func (f *fakeFactory) Name() string { return f.name }

func (f *fakeFactory) Create(ctx context.Context, snap session.Snapshot, h transport.Handler, status transport.StatusFunc) (transport.Transport, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tr = &fakeTransport{name: f.name}
	f.handler = h
	return f.tr, nil
}

func (f *fakeFactory) Join(ctx context.Context, opts transport.JoinOptions, h transport.Handler, status transport.StatusFunc) (transport.Transport, *session.Snapshot, error) {
	if f.joinErr != nil {
		return nil, nil, f.joinErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tr = &fakeTransport{name: f.name}
	f.handler = h
	return f.tr, f.initial, nil
}

func (f *fakeFactory) inject(env protocol.Envelope) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.HandleMessage(env)
}

func (f *fakeFactory) injectSnapshot(snap session.Snapshot) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.HandleSnapshot(snap)
}

func openVotingConfig() Config {
	cfg := DefaultConfig()
	cfg.RequireTask = false
	return cfg
}

func newHost(t *testing.T, clock clockwork.Clock, cfg Config) (*Coordinator, *fakeFactory, string) {
	t.Helper()
	f := &fakeFactory{name: "fake"}
	c := New(clock, cfg, []transport.Factory{f}, Callbacks{})
	sessionID, _, err := c.CreateSession(context.Background(), "Alice")
	require.NoError(t, err)
	return c, f, sessionID
}

func TestCreateSessionValidation(t *testing.T) {
	c := New(clockwork.NewFakeClock(), DefaultConfig(), nil, Callbacks{})
	_, _, err := c.CreateSession(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestCreateSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _, sessionID := newHost(t, clock, DefaultConfig())

	assert.True(t, session.ValidID(sessionID))
	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, sessionID, snap.ID)
	require.Len(t, snap.Participants, 1)
	assert.True(t, snap.Participants[0].IsHost)
	assert.Equal(t, "Alice", snap.Participants[0].Name)

	_, _, err := c.CreateSession(context.Background(), "Alice again")
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestCreateSessionFallsBackAcrossFactories(t *testing.T) {
	broken := &fakeFactory{name: "broken", createErr: errors.New("backend down")}
	working := &fakeFactory{name: "working"}
	c := New(clockwork.NewFakeClock(), DefaultConfig(),
		[]transport.Factory{broken, working}, Callbacks{})

	_, _, err := c.CreateSession(context.Background(), "Alice")
	require.NoError(t, err)
	assert.NotNil(t, working.tr, "second candidate should have been used")
}

func TestCreateSessionNoTransportAvailable(t *testing.T) {
	a := &fakeFactory{name: "a", createErr: errors.New("down")}
	b := &fakeFactory{name: "b", createErr: errors.New("also down")}
	c := New(clockwork.NewFakeClock(), DefaultConfig(),
		[]transport.Factory{a, b}, Callbacks{})

	_, _, err := c.CreateSession(context.Background(), "Alice")
	assert.ErrorIs(t, err, session.ErrNoTransportAvailable)
}

func TestJoinSessionInvalidID(t *testing.T) {
	c := New(clockwork.NewFakeClock(), DefaultConfig(), nil, Callbacks{})
	for _, id := range []string{"abc123", "SHORT", "TOOLONG7", "AB-123"} {
		_, err := c.JoinSession(context.Background(), id, "Bob")
		assert.ErrorIs(t, err, session.ErrInvalidSessionID, "id %q", id)
	}
}

func TestJoinSessionNotFoundAnywhere(t *testing.T) {
	a := &fakeFactory{name: "a", joinErr: session.ErrSessionNotFound}
	b := &fakeFactory{name: "b", joinErr: session.ErrSessionNotFound}
	c := New(clockwork.NewFakeClock(), DefaultConfig(),
		[]transport.Factory{a, b}, Callbacks{})

	_, err := c.JoinSession(context.Background(), "ABC123", "Bob")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestJoinSessionAnnouncesAndAppliesInitialSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	existing := session.New("ABC123", session.Participant{ID: "alice", Name: "Alice"}, now).Snapshot()

	f := &fakeFactory{name: "fake", initial: &existing}
	c := New(clock, DefaultConfig(), []transport.Factory{f}, Callbacks{})

	participantID, err := c.JoinSession(context.Background(), "ABC123", "Bob")
	require.NoError(t, err)

	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "alice", snap.HostID)
	assert.Len(t, snap.Participants, 2)

	joins := f.tr.sent(protocol.KindUserJoined)
	require.Len(t, joins, 1)
	decoded, err := protocol.DecodePayload(joins[0])
	require.NoError(t, err)
	assert.Equal(t, participantID, decoded.(protocol.UserJoinedPayload).Participant.ID)
}

func TestAddTaskHostOnly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	existing := session.New("ABC123", session.Participant{ID: "alice"}, clock.Now()).Snapshot()
	f := &fakeFactory{name: "fake", initial: &existing}
	c := New(clock, DefaultConfig(), []transport.Factory{f}, Callbacks{})
	_, err := c.JoinSession(context.Background(), "ABC123", "Bob")
	require.NoError(t, err)

	_, err = c.AddTask(context.Background(), "API design", "")
	assert.ErrorIs(t, err, session.ErrPermissionDenied)
}

func TestAddTaskAndSelect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, _ := newHost(t, clock, DefaultConfig())

	_, err := c.AddTask(context.Background(), "  ", "")
	assert.ErrorIs(t, err, ErrTitleRequired)

	taskID, err := c.AddTask(context.Background(), "API design", "sketch endpoints")
	require.NoError(t, err)
	assert.Len(t, f.tr.sent(protocol.KindTaskAdded), 1)

	err = c.SelectTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	require.NoError(t, c.SelectTask(context.Background(), taskID))
	snap, _ := c.Snapshot()
	assert.Equal(t, taskID, snap.CurrentTaskID)
	assert.Len(t, f.tr.sent(protocol.KindTaskSelected), 1)
}

func TestCastVoteValidation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _, _ := newHost(t, clock, DefaultConfig())

	err := c.CastVote(context.Background(), "42")
	assert.ErrorIs(t, err, session.ErrInvalidVote)

	// Task-gated config: no task selected yet.
	err = c.CastVote(context.Background(), "5")
	assert.ErrorIs(t, err, session.ErrVotingClosed)
}

func TestCastVoteOverwrites(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, _ := newHost(t, clock, openVotingConfig())

	require.NoError(t, c.CastVote(context.Background(), "5"))
	require.NoError(t, c.CastVote(context.Background(), "8"))

	snap, _ := c.Snapshot()
	id := snap.HostID
	assert.Equal(t, session.CardValue("8"), snap.Votes[id], "last write wins")
	assert.Len(t, snap.Votes, 1)
	assert.Len(t, f.tr.sent(protocol.KindVoteCast), 2)
}

func TestRevealClosesVoting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, _ := newHost(t, clock, openVotingConfig())

	require.NoError(t, c.CastVote(context.Background(), "5"))
	require.NoError(t, c.RevealVotes(context.Background()))
	assert.Len(t, f.tr.sent(protocol.KindVotesRevealed), 1)

	err := c.CastVote(context.Background(), "8")
	assert.ErrorIs(t, err, session.ErrVotingClosed)

	require.NoError(t, c.NextRound(context.Background()))
	snap, _ := c.Snapshot()
	assert.False(t, snap.VotesRevealed)
	assert.Empty(t, snap.Votes)
	require.NoError(t, c.CastVote(context.Background(), "8"), "voting reopens after reset")
}

func TestRevealRequiresHost(t *testing.T) {
	clock := clockwork.NewFakeClock()
	existing := session.New("ABC123", session.Participant{ID: "alice"}, clock.Now()).Snapshot()
	f := &fakeFactory{name: "fake", initial: &existing}
	c := New(clock, DefaultConfig(), []transport.Factory{f}, Callbacks{})
	_, err := c.JoinSession(context.Background(), "ABC123", "Bob")
	require.NoError(t, err)

	assert.ErrorIs(t, c.RevealVotes(context.Background()), session.ErrPermissionDenied)
	assert.ErrorIs(t, c.NextRound(context.Background()), session.ErrPermissionDenied)
	assert.ErrorIs(t, c.SelectTask(context.Background(), "t1"), session.ErrPermissionDenied)
}

func TestOperationsWithoutSession(t *testing.T) {
	c := New(clockwork.NewFakeClock(), DefaultConfig(), nil, Callbacks{})
	ctx := context.Background()

	assert.ErrorIs(t, c.CastVote(ctx, "5"), ErrNoSession)
	assert.ErrorIs(t, c.RevealVotes(ctx), ErrNoSession)
	assert.ErrorIs(t, c.NextRound(ctx), ErrNoSession)
	assert.ErrorIs(t, c.LeaveSession(ctx), ErrNoSession)
	_, err := c.AddTask(ctx, "x", "")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = c.ShareToken()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestInboundPeerMessagesApply(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, sessionID := newHost(t, clock, openVotingConfig())

	now := clock.Now()
	join, _ := protocol.NewEnvelope(protocol.KindUserJoined, sessionID, "bob", now,
		protocol.UserJoinedPayload{Participant: session.Participant{ID: "bob", Name: "Bob", Connected: true, JoinedAt: now, LastSeen: now}})
	f.inject(join)
	// Duplicate join is idempotent.
	f.inject(join)

	snap, _ := c.Snapshot()
	assert.Len(t, snap.Participants, 2)
	assert.Equal(t, 1, f.tr.pushCount(), "host answers a new join with one snapshot push")

	vote, _ := protocol.NewEnvelope(protocol.KindVoteCast, sessionID, "bob", now,
		protocol.VoteCastPayload{UserID: "bob", Value: "13"})
	f.inject(vote)
	snap, _ = c.Snapshot()
	assert.Equal(t, session.CardValue("13"), snap.Votes["bob"])

	left, _ := protocol.NewEnvelope(protocol.KindUserLeft, sessionID, "bob", now,
		protocol.UserLeftPayload{UserID: "bob", Reason: protocol.LeaveReasonTimeout})
	f.inject(left)
	snap, _ = c.Snapshot()
	for _, p := range snap.Participants {
		if p.ID == "bob" {
			assert.False(t, p.Connected)
		}
	}
}

func TestInboundIgnoresOwnEcho(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, sessionID := newHost(t, clock, openVotingConfig())
	snapBefore, _ := c.Snapshot()

	echo, _ := protocol.NewEnvelope(protocol.KindVoteCast, sessionID, snapBefore.HostID, clock.Now(),
		protocol.VoteCastPayload{UserID: snapBefore.HostID, Value: "21"})
	f.inject(echo)

	snap, _ := c.Snapshot()
	assert.Equal(t, snapBefore.Version, snap.Version)
}

func TestInboundForeignSessionDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, _ := newHost(t, clock, openVotingConfig())
	before, _ := c.Snapshot()

	foreign, _ := protocol.NewEnvelope(protocol.KindVoteCast, "ZZZZZZ", "mallory", clock.Now(),
		protocol.VoteCastPayload{UserID: "mallory", Value: "1"})
	f.inject(foreign)

	after, _ := c.Snapshot()
	assert.Equal(t, before.Version, after.Version)
}

func TestPendingVoteSurvivesStaleSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, sessionID := newHost(t, clock, openVotingConfig())
	snap, _ := c.Snapshot()
	hostID := snap.HostID

	// The broadcast fails, so the vote stays unacknowledged.
	f.tr.mu.Lock()
	f.tr.broadcastErr = errors.New("flaky backend")
	f.tr.mu.Unlock()
	err := c.CastVote(context.Background(), "8")
	require.Error(t, err)

	// A remote snapshot that does not carry the vote must not erase it.
	stale := session.FromSnapshot(snap).Snapshot()
	stale.ID = sessionID
	f.injectSnapshot(stale)

	after, _ := c.Snapshot()
	assert.Equal(t, session.CardValue("8"), after.Votes[hostID])
}

func TestAcknowledgedVoteIsReplacedBySnapshots(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, sessionID := newHost(t, clock, openVotingConfig())
	snap, _ := c.Snapshot()
	hostID := snap.HostID

	require.NoError(t, c.CastVote(context.Background(), "8"))

	// Authoritative snapshot carrying the echoed vote wins outright.
	remote := session.FromSnapshot(snap)
	remote.SetVote(hostID, "8")
	f.injectSnapshot(remote.Snapshot())

	after, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, sessionID, after.ID)
	assert.Equal(t, session.CardValue("8"), after.Votes[hostID])
}

func TestLeaveSessionStopsEverything(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, f, sessionID := newHost(t, clock, openVotingConfig())
	tr := f.tr

	require.NoError(t, c.LeaveSession(context.Background()))
	tr.mu.Lock()
	assert.Equal(t, 1, tr.leaveCalls)
	tr.mu.Unlock()
	_, ok := c.Snapshot()
	assert.False(t, ok)

	// Late callbacks from the old membership are discarded.
	vote, _ := protocol.NewEnvelope(protocol.KindVoteCast, sessionID, "bob", clock.Now(),
		protocol.VoteCastPayload{UserID: "bob", Value: "5"})
	require.NotPanics(t, func() { f.inject(vote) })
}

func TestShareTokenRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _, sessionID := newHost(t, clock, openVotingConfig())

	token, err := c.ShareToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	// Another context imports the token and lands in the same session.
	f2 := &fakeFactory{name: "fake2", joinErr: session.ErrSessionNotFound}
	c2 := New(clock, openVotingConfig(), []transport.Factory{f2, fragment.NewFactory()}, Callbacks{})
	_, err = c2.ImportShareToken(context.Background(), token, "Bob")
	require.NoError(t, err)

	got, ok := c2.SessionID()
	require.True(t, ok)
	assert.Equal(t, sessionID, got)
}

func TestImportShareTokenRefreshGatedByVersion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _, sessionID := newHost(t, clock, openVotingConfig())

	require.NoError(t, c.CastVote(context.Background(), "5"))
	newer, _ := c.Snapshot()

	stale, err := c.ShareToken()
	require.NoError(t, err)

	// Re-importing the current token is a no-op (not strictly newer).
	_, err = c.ImportShareToken(context.Background(), stale, "Alice")
	require.NoError(t, err)
	after, _ := c.Snapshot()
	assert.Equal(t, newer.Version, after.Version)
	assert.Equal(t, sessionID, after.ID)
}

func TestAutoRevealAfterAllVoted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := openVotingConfig()
	cfg.AutoReveal = true
	cfg.AutoRevealDelay = 2 * time.Second
	c, f, _ := newHost(t, clock, cfg)

	require.NoError(t, c.CastVote(context.Background(), "5"))
	snap, _ := c.Snapshot()
	require.False(t, snap.VotesRevealed)

	clock.Advance(3 * time.Second)

	require.Eventually(t, func() bool {
		snap, _ := c.Snapshot()
		return snap.VotesRevealed
	}, 2*time.Second, 10*time.Millisecond, "round should auto-reveal once everyone voted")
	assert.Eventually(t, func() bool {
		return len(f.tr.sent(protocol.KindVotesRevealed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoAutoRevealByDefault(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _, _ := newHost(t, clock, openVotingConfig())

	require.NoError(t, c.CastVote(context.Background(), "5"))
	clock.Advance(time.Minute)

	snap, _ := c.Snapshot()
	assert.False(t, snap.VotesRevealed)
}

package localbus

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/protocol"
	"github.com/pointdeck/pointdeck/internal/session"
	"github.com/pointdeck/pointdeck/internal/transport"
)

type captureHandler struct {
	msgs  chan protocol.Envelope
	snaps chan session.Snapshot
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		msgs:  make(chan protocol.Envelope, 64),
		snaps: make(chan session.Snapshot, 16),
	}
}

func (h *captureHandler) HandleMessage(env protocol.Envelope)  { h.msgs <- env }
func (h *captureHandler) HandleSnapshot(snap session.Snapshot) { h.snaps <- snap }

func waitForKind(t *testing.T, h *captureHandler, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-h.msgs:
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func hostSnapshot(hostID string) session.Snapshot {
	s := session.New("ABC123", session.Participant{ID: hostID, Name: "Host"}, time.Unix(1700000000, 0))
	return s.Snapshot()
}

func TestJoinUnknownSessionFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := NewFactory(NewBroker(clock), clock, DefaultConfig())

	_, _, err := f.Join(context.Background(), transport.JoinOptions{
		SessionID: "NOPE42",
		Self:      session.Participant{ID: "bob"},
	}, newCaptureHandler(), nil)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestCreateAnnouncesSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := NewBroker(clock)
	f := NewFactory(broker, clock, DefaultConfig())

	tr, err := f.Create(context.Background(), hostSnapshot("alice"), newCaptureHandler(), nil)
	require.NoError(t, err)
	defer tr.Leave(context.Background())

	assert.True(t, broker.HasSession("ABC123"))
}

func TestBroadcastReachesPeer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := NewBroker(clock)
	f := NewFactory(broker, clock, DefaultConfig())

	hostHandler := newCaptureHandler()
	host, err := f.Create(context.Background(), hostSnapshot("alice"), hostHandler, nil)
	require.NoError(t, err)
	defer host.Leave(context.Background())

	peerHandler := newCaptureHandler()
	peer, initial, err := f.Join(context.Background(), transport.JoinOptions{
		SessionID: "ABC123",
		Self:      session.Participant{ID: "bob", Name: "Bob"},
	}, peerHandler, nil)
	require.NoError(t, err)
	defer peer.Leave(context.Background())
	assert.Nil(t, initial, "bus joins converge via the host's later snapshot")

	env, err := protocol.NewEnvelope(protocol.KindVoteCast, "ABC123", "bob",
		clock.Now(), protocol.VoteCastPayload{UserID: "bob", Value: "5"})
	require.NoError(t, err)
	require.NoError(t, peer.Broadcast(context.Background(), env))

	got := waitForKind(t, hostHandler, protocol.KindVoteCast)
	assert.Equal(t, "bob", got.SenderID)
}

func TestPushSnapshotBroadcasts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := NewBroker(clock)
	f := NewFactory(broker, clock, DefaultConfig())

	host, err := f.Create(context.Background(), hostSnapshot("alice"), newCaptureHandler(), nil)
	require.NoError(t, err)
	defer host.Leave(context.Background())

	peerHandler := newCaptureHandler()
	peer, _, err := f.Join(context.Background(), transport.JoinOptions{
		SessionID: "ABC123",
		Self:      session.Participant{ID: "bob"},
	}, peerHandler, nil)
	require.NoError(t, err)
	defer peer.Leave(context.Background())

	require.NoError(t, host.PushSnapshot(context.Background(), hostSnapshot("alice")))

	env := waitForKind(t, peerHandler, protocol.KindStateSnapshot)
	decoded, err := protocol.DecodePayload(env)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", decoded.(protocol.StateSnapshotPayload).Snapshot.ID)
}

func TestLeavePublishesExplicitUserLeft(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := NewBroker(clock)
	f := NewFactory(broker, clock, DefaultConfig())

	hostHandler := newCaptureHandler()
	host, err := f.Create(context.Background(), hostSnapshot("alice"), hostHandler, nil)
	require.NoError(t, err)
	defer host.Leave(context.Background())

	peer, _, err := f.Join(context.Background(), transport.JoinOptions{
		SessionID: "ABC123",
		Self:      session.Participant{ID: "bob"},
	}, newCaptureHandler(), nil)
	require.NoError(t, err)

	require.NoError(t, peer.Leave(context.Background()))

	env := waitForKind(t, hostHandler, protocol.KindUserLeft)
	decoded, err := protocol.DecodePayload(env)
	require.NoError(t, err)
	payload := decoded.(protocol.UserLeftPayload)
	assert.Equal(t, "bob", payload.UserID)
	assert.Equal(t, protocol.LeaveReasonExplicit, payload.Reason)
}

func TestHeartbeatTimeoutSynthesizesUserLeft(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := NewBroker(clock)
	cfg := Config{HeartbeatInterval: time.Second, PresenceTimeout: 3 * time.Second}
	f := NewFactory(broker, clock, cfg)

	hostHandler := newCaptureHandler()
	host, err := f.Create(context.Background(), hostSnapshot("alice"), hostHandler, nil)
	require.NoError(t, err)
	defer host.Leave(context.Background())

	// Wait until the host's heartbeat ticker is armed.
	clock.BlockUntil(1)

	// A peer that heartbeats once and then goes silent.
	broker.Publish(protocol.Envelope{
		ID:        "hb-1",
		SessionID: "ABC123",
		SenderID:  "bob",
		Kind:      protocol.KindHeartbeat,
		Timestamp: clock.Now(),
		Payload:   []byte(`{"user_id":"bob"}`),
	})
	waitForKind(t, hostHandler, protocol.KindHeartbeat)

	// Advance beyond the presence timeout one heartbeat at a time so the
	// ticker observes the silence.
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
	}

	env := waitForKind(t, hostHandler, protocol.KindUserLeft)
	decoded, err := protocol.DecodePayload(env)
	require.NoError(t, err)
	payload := decoded.(protocol.UserLeftPayload)
	assert.Equal(t, "bob", payload.UserID)
	assert.Equal(t, protocol.LeaveReasonTimeout, payload.Reason)
}

func TestBroadcastAfterLeaveIsNoOp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := NewBroker(clock)
	f := NewFactory(broker, clock, DefaultConfig())

	hostHandler := newCaptureHandler()
	host, err := f.Create(context.Background(), hostSnapshot("alice"), hostHandler, nil)
	require.NoError(t, err)

	peer, _, err := f.Join(context.Background(), transport.JoinOptions{
		SessionID: "ABC123",
		Self:      session.Participant{ID: "bob"},
	}, newCaptureHandler(), nil)
	require.NoError(t, err)
	require.NoError(t, peer.Leave(context.Background()))

	env, err := protocol.NewEnvelope(protocol.KindVoteCast, "ABC123", "bob",
		clock.Now(), protocol.VoteCastPayload{UserID: "bob", Value: "5"})
	require.NoError(t, err)
	assert.NoError(t, peer.Broadcast(context.Background(), env))

	require.NoError(t, host.Leave(context.Background()))
	// Only the explicit leave should have reached the host, never the vote.
	close(hostHandler.msgs)
	for m := range hostHandler.msgs {
		assert.NotEqual(t, protocol.KindVoteCast, m.Kind)
	}
}

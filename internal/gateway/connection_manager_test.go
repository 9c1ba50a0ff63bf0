package gateway

import (
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/pointdeck/internal/coordinator"
)

func newTestManager() *ConnectionManager {
	return NewConnectionManager(DefaultConnectionConfig(), func(cb coordinator.Callbacks) *coordinator.Coordinator {
		return coordinator.New(clockwork.NewFakeClock(), coordinator.DefaultConfig(), nil, cb)
	})
}

func TestEnqueueDeliversFrame(t *testing.T) {
	cm := newTestManager()
	conn := &Connection{ID: "c1", Send: make(chan []byte, 4), Manager: cm}
	cm.registerConnection(conn)

	conn.enqueue([]byte(`{"type":"state"}`))

	select {
	case data := <-conn.Send:
		assert.JSONEq(t, `{"type":"state"}`, string(data))
	default:
		t.Fatal("expected the frame in the send buffer")
	}
	cm.unregisterConnection(conn)
}

func TestEnqueueAfterUnregisterIsNoOp(t *testing.T) {
	cm := newTestManager()
	conn := &Connection{ID: "c1", Send: make(chan []byte, 4), Manager: cm}
	cm.registerConnection(conn)
	cm.unregisterConnection(conn)

	require.NotPanics(t, func() { conn.enqueue([]byte(`{"type":"state"}`)) })

	_, open := <-conn.Send
	assert.False(t, open, "send channel is closed and stays empty")
}

func TestEnqueueRacesUnregisterSafely(t *testing.T) {
	cm := newTestManager()
	conn := &Connection{ID: "c1", Send: make(chan []byte, 256), Manager: cm}
	cm.registerConnection(conn)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			conn.enqueue([]byte(`{"type":"status"}`))
		}
	}()
	go func() {
		defer wg.Done()
		cm.unregisterConnection(conn)
	}()
	require.NotPanics(t, wg.Wait)
}

func TestUnregisterRemovesSessionBinding(t *testing.T) {
	cm := newTestManager()
	conn := &Connection{ID: "c1", Send: make(chan []byte, 4), Manager: cm}
	cm.registerConnection(conn)
	cm.bindSession(conn, "ABC123")

	total, sessions, perSession := cm.GetConnectionStats()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, perSession["ABC123"])

	cm.unregisterConnection(conn)
	total, sessions, _ = cm.GetConnectionStats()
	assert.Zero(t, total)
	assert.Zero(t, sessions)
}

// Package localbus implements the no-external-service transport: an
// in-process publish/subscribe bus per session plus a transient message
// mirror, with heartbeat-based presence. Delivery is best-effort,
// at-most-once, unordered.
package localbus

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/protocol"
)

const (
	// subscriberBuffer bounds each subscriber's inbox; slow subscribers
	// drop messages rather than block the publisher.
	subscriberBuffer = 64

	// mirrorTTL is how long published messages stay readable to late
	// subscribers before being pruned.
	mirrorTTL = 5 * time.Second

	// markerTTL is how long a session marker counts as live without a
	// refresh.
	markerTTL = 15 * time.Second
)

type mirrorEntry struct {
	env      protocol.Envelope
	storedAt time.Time
}

// Subscription is one subscriber's inbox on the bus.
type Subscription struct {
	C      <-chan protocol.Envelope
	ch     chan protocol.Envelope
	owner  string
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

// Broker is the shared medium connecting same-process participant
// contexts. It is an explicit instance owned by whoever wires the
// transports together, never package-global state.
type Broker struct {
	clock clockwork.Clock

	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	mirror  map[string][]mirrorEntry
	markers map[string]time.Time
}

// NewBroker creates an empty bus.
func NewBroker(clock clockwork.Clock) *Broker {
	return &Broker{
		clock:   clock,
		subs:    make(map[string]map[*Subscription]struct{}),
		mirror:  make(map[string][]mirrorEntry),
		markers: make(map[string]time.Time),
	}
}

// Announce records (or refreshes) the marker that lets joiners confirm the
// session exists on this bus.
func (b *Broker) Announce(sessionID string) {
	b.mu.Lock()
	b.markers[sessionID] = b.clock.Now()
	b.mu.Unlock()
}

// HasSession reports whether a live marker exists for sessionID.
func (b *Broker) HasSession(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.markers[sessionID]
	return ok && b.clock.Now().Sub(at) <= markerTTL
}

// Subscribe attaches an inbox for sessionID. Messages published by owner
// itself are not delivered back to it. Recent mirror entries are replayed
// once so a context that attaches just after a write still observes it.
func (b *Broker) Subscribe(sessionID, owner string) *Subscription {
	sub := &Subscription{
		ch:    make(chan protocol.Envelope, subscriberBuffer),
		owner: owner,
	}
	sub.C = sub.ch
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sessionID]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				close(sub.ch)
				if len(set) == 0 {
					delete(b.subs, sessionID)
				}
			}
		}
	}

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*Subscription]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}

	now := b.clock.Now()
	for _, entry := range b.mirror[sessionID] {
		if now.Sub(entry.storedAt) > mirrorTTL || entry.env.SenderID == owner {
			continue
		}
		select {
		case sub.ch <- entry.env:
		default:
		}
	}
	b.mu.Unlock()

	return sub
}

// Publish delivers env to every other subscriber of its session and
// records it in the transient mirror. Fire-and-forget: full inboxes drop.
func (b *Broker) Publish(env protocol.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	entries := b.mirror[env.SessionID]
	pruned := entries[:0]
	for _, e := range entries {
		if now.Sub(e.storedAt) <= mirrorTTL {
			pruned = append(pruned, e)
		}
	}
	b.mirror[env.SessionID] = append(pruned, mirrorEntry{env: env, storedAt: now})

	for sub := range b.subs[env.SessionID] {
		if sub.owner == env.SenderID {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			log.Warn().
				Str("session_id", env.SessionID).
				Str("kind", string(env.Kind)).
				Msg("subscriber inbox full, dropping message")
		}
	}
}

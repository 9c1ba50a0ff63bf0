// Package transport defines the pluggable strategy contract for moving
// session state between participant contexts. Implementations live in the
// cloud, localbus, and fragment subpackages.
package transport

import (
	"context"

	"github.com/pointdeck/pointdeck/internal/protocol"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Component names used in connection status callbacks.
const (
	ComponentTransport = "transport"
	ComponentAuth      = "auth"
)

// Status is one connection lifecycle state reported to the owner.
type Status string

const (
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusDisconnected   Status = "disconnected"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusFailed         Status = "failed"
)

// StatusFunc receives connection status changes for a component.
type StatusFunc func(component string, status Status)

// Handler receives inbound traffic from a transport. Implementations must
// tolerate duplicates and out-of-order delivery; application is idempotent.
type Handler interface {
	// HandleMessage delivers one peer message.
	HandleMessage(env protocol.Envelope)
	// HandleSnapshot delivers a full-replace authoritative state value.
	HandleSnapshot(snap session.Snapshot)
}

// Transport moves session state deltas and snapshots between contexts.
type Transport interface {
	// Name identifies the strategy for logging and status reporting.
	Name() string

	// Broadcast sends a message to peers. Best-effort strategies return
	// nil even when nothing was delivered.
	Broadcast(ctx context.Context, env protocol.Envelope) error

	// PushSnapshot publishes the full session state. The cloud strategy
	// maps this to scoped document writes; the fragment strategy
	// re-derives its share token; the local bus broadcasts it.
	PushSnapshot(ctx context.Context, snap session.Snapshot) error

	// Leave marks the caller disconnected on the shared medium, stops
	// timers and subscriptions, and releases the transport. Safe to call
	// once; late callbacks after Leave must not be delivered.
	Leave(ctx context.Context) error
}

// JoinOptions carries the lookup inputs a strategy may need to locate an
// existing session. ShareToken is only meaningful to the fragment strategy.
type JoinOptions struct {
	SessionID  string
	ShareToken string
	Self       session.Participant
}

// Factory creates transports in the coordinator's preference order.
type Factory interface {
	// Name identifies the strategy.
	Name() string

	// Create initializes the transport for a freshly created session,
	// publishing the initial state. The caller is the host.
	Create(ctx context.Context, snap session.Snapshot, h Handler, status StatusFunc) (Transport, error)

	// Join locates an existing session within the strategy's own lookup
	// contract and returns the transport plus the initial snapshot when
	// the strategy can produce one (nil when convergence happens via a
	// later host snapshot). Returns session.ErrSessionNotFound when the
	// session cannot be confirmed.
	Join(ctx context.Context, opts JoinOptions, h Handler, status StatusFunc) (Transport, *session.Snapshot, error)
}

package fragment

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/protocol"
	"github.com/pointdeck/pointdeck/internal/session"
	"github.com/pointdeck/pointdeck/internal/transport"
)

// TransportName identifies the strategy.
const TransportName = "fragment"

// Transport is the pushless share-token strategy. Broadcast is a no-op;
// PushSnapshot re-derives the current token for the owner to re-share.
type Transport struct {
	mu    sync.Mutex
	token string
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return TransportName }

// Broadcast is a no-op: this strategy has no live channel.
func (t *Transport) Broadcast(ctx context.Context, env protocol.Envelope) error {
	return nil
}

// PushSnapshot re-encodes the share token from the latest state.
func (t *Transport) PushSnapshot(ctx context.Context, snap session.Snapshot) error {
	token, err := Encode(snap)
	if err != nil {
		return fmt.Errorf("encode share token: %w", err)
	}
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
	log.Debug().
		Str("session_id", snap.ID).
		Uint64("version", snap.Version).
		Int("token_len", len(token)).
		Msg("share token refreshed")
	return nil
}

// Token returns the most recently derived share token.
func (t *Transport) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Leave releases the transport. Nothing to tear down.
func (t *Transport) Leave(ctx context.Context) error {
	return nil
}

// Factory builds fragment transports. It is the last candidate in the
// coordinator's preference order: always available for session creation,
// but joining requires a share token.
type Factory struct{}

// NewFactory returns the fragment strategy factory.
func NewFactory() *Factory { return &Factory{} }

// Name implements transport.Factory.
func (f *Factory) Name() string { return TransportName }

// Create derives the initial share token for a fresh session.
func (f *Factory) Create(ctx context.Context, snap session.Snapshot, h transport.Handler, status transport.StatusFunc) (transport.Transport, error) {
	t := &Transport{}
	if err := t.PushSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if status != nil {
		status(transport.ComponentTransport, transport.StatusConnected)
	}
	return t, nil
}

// Join imports a one-time snapshot from a share token. Without a token the
// session cannot be confirmed and the lookup fails.
func (f *Factory) Join(ctx context.Context, opts transport.JoinOptions, h transport.Handler, status transport.StatusFunc) (transport.Transport, *session.Snapshot, error) {
	if opts.ShareToken == "" {
		return nil, nil, session.ErrSessionNotFound
	}
	snap, err := Decode(opts.ShareToken)
	if err != nil {
		return nil, nil, err
	}
	if opts.SessionID != "" && opts.SessionID != snap.ID {
		return nil, nil, session.ErrSessionNotFound
	}

	t := &Transport{}
	if err := t.PushSnapshot(ctx, snap); err != nil {
		return nil, nil, err
	}
	if status != nil {
		status(transport.ComponentTransport, transport.StatusConnected)
	}
	return t, &snap, nil
}

package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/pointdeck/pointdeck/internal/session"
)

// Provider reads session state from the store without joining. It backs
// the read-only HTTP state routes; watchers and presence stay untouched.
type Provider struct {
	store Store
	clock clockwork.Clock
	cfg   Config
}

// NewProvider wires a read-only state reader to a store backend.
func NewProvider(store Store, clock clockwork.Clock, cfg Config) *Provider {
	return &Provider{store: store, clock: clock, cfg: cfg}
}

// GetSessionState reads the whole session document and converts it, with
// the same presence staleness rules members apply.
func (p *Provider) GetSessionState(ctx context.Context, sessionID string) (session.Snapshot, error) {
	if _, err := p.store.ReadInfo(ctx, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return session.Snapshot{}, session.ErrSessionNotFound
		}
		return session.Snapshot{}, fmt.Errorf("read session info: %w", err)
	}

	doc, err := p.store.ReadDocument(ctx, sessionID)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("read session document: %w", err)
	}
	return snapshotFromDocument(doc, sessionID, 0, p.clock.Now(), p.cfg.PresenceTTL), nil
}

package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/protocol"
	"github.com/pointdeck/pointdeck/internal/session"
	"github.com/pointdeck/pointdeck/internal/transport"
)

// inboundHandler routes transport callbacks into the coordinator. The
// generation captured at transport creation lets the coordinator discard
// anything delivered after the membership it belongs to has ended.
type inboundHandler struct {
	c   *Coordinator
	gen uint64
}

func (h *inboundHandler) HandleMessage(env protocol.Envelope) {
	h.c.handleMessage(h.gen, env)
}

func (h *inboundHandler) HandleSnapshot(snap session.Snapshot) {
	h.c.handleSnapshot(h.gen, snap)
}

func (c *Coordinator) handleMessage(gen uint64, env protocol.Envelope) {
	c.mu.Lock()
	if c.sess == nil || gen != c.generation {
		c.mu.Unlock()
		return
	}
	if env.SenderID == c.self.ID {
		// Own broadcast reflected back.
		c.mu.Unlock()
		return
	}
	if env.SessionID != "" && env.SessionID != c.sess.ID {
		c.mu.Unlock()
		log.Warn().
			Str("session_id", env.SessionID).
			Str("kind", string(env.Kind)).
			Msg("dropping message for foreign session")
		return
	}

	payload, err := protocol.DecodePayload(env)
	if err != nil {
		c.mu.Unlock()
		log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("dropping undecodable message")
		return
	}

	changed := false
	pushSnapshot := false
	switch p := payload.(type) {
	case protocol.UserJoinedPayload:
		changed = c.sess.AddParticipant(p.Participant)
		// The host answers every join with the authoritative state so the
		// newcomer converges even when it started from nothing.
		pushSnapshot = changed && c.self.ID == c.sess.HostID

	case protocol.UserLeftPayload:
		changed = c.sess.MarkDisconnected(p.UserID)

	case protocol.HeartbeatPayload:
		c.sess.TouchParticipant(p.UserID, env.Timestamp)

	case protocol.VoteCastPayload:
		if !c.sess.VotesRevealed && session.ValidCard(p.Value) {
			c.sess.SetVote(p.UserID, p.Value)
			changed = true
		}

	case protocol.TaskAddedPayload:
		changed = c.sess.AddTask(p.Task)

	case protocol.TaskSelectedPayload:
		changed = c.sess.SelectTask(p.TaskID)
		if changed {
			c.pending = nil
			c.stopAutoRevealLocked()
		}

	case protocol.VotesRevealedPayload:
		changed = c.sess.Reveal()
		if changed {
			c.pending = nil
			c.stopAutoRevealLocked()
		}

	case protocol.RoundResetPayload:
		c.sess.Reset()
		c.pending = nil
		c.stopAutoRevealLocked()
		changed = true

	case protocol.StateSnapshotPayload:
		out, ok := c.applySnapshotLocked(p.Snapshot)
		c.mu.Unlock()
		if ok {
			c.emitState(out)
		}
		return

	default:
		c.mu.Unlock()
		log.Warn().Str("kind", string(env.Kind)).Msg("dropping unhandled message kind")
		return
	}

	if changed {
		c.maybeScheduleAutoRevealLocked()
	}
	var snap session.Snapshot
	var tr transport.Transport
	if changed {
		snap = c.sess.Snapshot()
		tr = c.tr
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.emitState(snap)
	if pushSnapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tr.PushSnapshot(ctx, snap); err != nil {
			log.Warn().Err(err).Str("session_id", snap.ID).Msg("snapshot push after join failed")
		}
	}
}

func (c *Coordinator) handleSnapshot(gen uint64, snap session.Snapshot) {
	c.mu.Lock()
	if c.sess == nil || gen != c.generation {
		c.mu.Unlock()
		return
	}
	out, ok := c.applySnapshotLocked(snap)
	c.mu.Unlock()
	if ok {
		c.emitState(out)
	}
}

// applySnapshotLocked replaces local state with an authoritative remote
// snapshot and returns the resulting state for the caller to emit after
// unlocking. The one exception to full replacement is an unacknowledged
// own vote, which is re-applied on top so a slow echo cannot erase it.
func (c *Coordinator) applySnapshotLocked(snap session.Snapshot) (session.Snapshot, bool) {
	if snap.ID != c.sess.ID {
		log.Warn().
			Str("session_id", snap.ID).
			Str("active_session_id", c.sess.ID).
			Msg("dropping snapshot for foreign session")
		return session.Snapshot{}, false
	}

	next := session.FromSnapshot(snap)
	if _, ok := next.Participant(c.self.ID); !ok {
		next.AddParticipant(c.self)
	}
	if c.pending != nil {
		if next.VotesRevealed {
			c.pending = nil
		} else if !c.pending.acked {
			next.SetVote(c.self.ID, c.pending.value)
		} else if _, ok := next.Vote(c.self.ID); ok {
			c.pending = nil
		}
	}
	c.sess = next
	c.maybeScheduleAutoRevealLocked()
	return next.Snapshot(), true
}

// maybeScheduleAutoRevealLocked arms the auto-reveal timer when the host's
// policy allows it and every connected participant has voted. The timer is
// verified again when it fires; any interleaved change disarms it.
func (c *Coordinator) maybeScheduleAutoRevealLocked() {
	if !c.cfg.AutoReveal || c.sess == nil || c.self.ID != c.sess.HostID {
		return
	}
	if c.sess.VotesRevealed || !c.sess.AllConnectedVoted() {
		c.stopAutoRevealLocked()
		return
	}
	if c.autoTimer != nil {
		return
	}
	gen := c.generation
	version := c.sess.Version
	c.autoTimer = c.clock.AfterFunc(c.cfg.AutoRevealDelay, func() {
		c.autoReveal(gen, version)
	})
}

func (c *Coordinator) stopAutoRevealLocked() {
	if c.autoTimer != nil {
		c.autoTimer.Stop()
		c.autoTimer = nil
	}
}

func (c *Coordinator) autoReveal(gen uint64, version uint64) {
	c.mu.Lock()
	c.autoTimer = nil
	if c.sess == nil || gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.sess.Version != version || c.sess.VotesRevealed || !c.sess.AllConnectedVoted() {
		c.maybeScheduleAutoRevealLocked()
		c.mu.Unlock()
		return
	}
	c.sess.Reveal()
	c.pending = nil
	snap := c.sess.Snapshot()
	env, envErr := protocol.NewEnvelope(protocol.KindVotesRevealed, snap.ID, c.self.ID,
		c.clock.Now(), protocol.VotesRevealedPayload{RevealedAt: c.clock.Now()})
	tr := c.tr
	c.mu.Unlock()

	log.Info().Str("session_id", snap.ID).Msg("auto-revealing completed round")
	c.emitState(snap)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("framing auto-reveal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Broadcast(ctx, env); err != nil {
		log.Warn().Err(err).Str("session_id", snap.ID).Msg("auto-reveal broadcast failed")
	}
}

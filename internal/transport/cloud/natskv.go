package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/session"
)

// NATSStoreConfig holds connection settings for the JetStream KV backend.
type NATSStoreConfig struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSStoreConfig returns the standard connection settings.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		URL:           nats.DefaultURL,
		Bucket:        "POKER_SESSIONS",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSStore backs the cloud transport with a JetStream key-value bucket.
// The session tree maps to dotted hierarchical keys:
//
//	{id}.info
//	{id}.participants.{participantID}
//	{id}.tasks.{taskID}
//	{id}.votes.{participantID}
//
// KV revision ordering provides the subscription's total order per session.
type NATSStore struct {
	nc *nats.Conn
	kv jetstream.KeyValue

	mu       sync.Mutex
	identity string
}

// NewNATSStore connects to NATS and binds (or creates) the session bucket.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "planning poker session documents",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind session bucket: %w", err)
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// Authenticate confirms the connection is live and returns a stable
// anonymous identity for this store handle.
func (s *NATSStore) Authenticate(ctx context.Context) (string, error) {
	if s.nc.Status() != nats.CONNECTED {
		return "", fmt.Errorf("NATS connection is %s", s.nc.Status())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == "" {
		s.identity = uuid.New().String()
	}
	return s.identity, nil
}

func (s *NATSStore) ReadInfo(ctx context.Context, sessionID string) (*SessionInfo, error) {
	entry, err := s.kv.Get(ctx, sessionID+".info")
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read info: %w", err)
	}
	var info SessionInfo
	if err := json.Unmarshal(entry.Value(), &info); err != nil {
		return nil, fmt.Errorf("decode info: %w", err)
	}
	return &info, nil
}

// ReadDocument collects the current session tree by draining a watcher's
// initial replay.
func (s *NATSStore) ReadDocument(ctx context.Context, sessionID string) (SessionDocument, error) {
	doc := emptyDocument()

	watcher, err := s.kv.Watch(ctx, sessionID+".>", jetstream.IgnoreDeletes())
	if err != nil {
		return doc, fmt.Errorf("read document: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return doc, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok || entry == nil {
				// End of initial replay.
				return doc, nil
			}
			applyEntry(&doc, sessionID, entry)
		}
	}
}

func (s *NATSStore) WriteInfo(ctx context.Context, sessionID string, info SessionInfo) error {
	return s.put(ctx, sessionID+".info", info)
}

func (s *NATSStore) WriteParticipant(ctx context.Context, sessionID, participantID string, rec ParticipantRecord) error {
	return s.put(ctx, sessionID+".participants."+participantID, rec)
}

func (s *NATSStore) WriteTask(ctx context.Context, sessionID, taskID string, rec TaskRecord) error {
	return s.put(ctx, sessionID+".tasks."+taskID, rec)
}

func (s *NATSStore) WriteVote(ctx context.Context, sessionID, participantID string, rec VoteRecord) error {
	return s.put(ctx, sessionID+".votes."+participantID, rec)
}

func (s *NATSStore) ClearVotes(ctx context.Context, sessionID string) error {
	lister, err := s.kv.ListKeysFiltered(ctx, sessionID+".votes.>")
	if err != nil {
		return fmt.Errorf("list votes: %w", err)
	}
	defer lister.Stop()

	for key := range lister.Keys() {
		if err := s.kv.Delete(ctx, key); err != nil {
			return mapWriteErr(fmt.Errorf("clear vote %s: %w", key, err))
		}
	}
	return nil
}

func (s *NATSStore) MarkDisconnected(ctx context.Context, sessionID, participantID string) error {
	key := sessionID + ".participants." + participantID
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("read participant: %w", err)
	}
	var rec ParticipantRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return fmt.Errorf("decode participant: %w", err)
	}
	rec.Connected = false
	return s.put(ctx, key, rec)
}

// Watch aggregates KV updates under the session prefix into whole-document
// pushes: the initial replay produces one document, then every subsequent
// change produces the next.
func (s *NATSStore) Watch(ctx context.Context, sessionID string) (<-chan SessionDocument, func(), error) {
	watcher, err := s.kv.Watch(ctx, sessionID+".>")
	if err != nil {
		return nil, nil, fmt.Errorf("watch session: %w", err)
	}

	out := make(chan SessionDocument, 8)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			if err := watcher.Stop(); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("stopping KV watcher failed")
			}
		})
	}

	go func() {
		defer close(out)
		aggregateUpdates(sessionID, watcher.Updates(), out, done)
	}()

	return out, stop, nil
}

// aggregateUpdates folds KV entries into whole-document pushes. A nil
// entry is the watcher's end-of-replay sentinel; a closed channel means
// the watcher is gone and the stream is over.
func aggregateUpdates(sessionID string, updates <-chan jetstream.KeyValueEntry, out chan<- SessionDocument, done <-chan struct{}) {
	doc := emptyDocument()
	replaying := true
	for {
		select {
		case <-done:
			return
		case entry, ok := <-updates:
			if !ok {
				return
			}
			if entry == nil {
				replaying = false
				select {
				case out <- cloneDocument(doc):
				case <-done:
					return
				}
				continue
			}
			applyEntry(&doc, sessionID, entry)
			if replaying {
				continue
			}
			select {
			case out <- cloneDocument(doc):
			case <-done:
				return
			}
		}
	}
}

func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

func (s *NATSStore) put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return mapWriteErr(fmt.Errorf("write %s: %w", key, err))
	}
	return nil
}

// mapWriteErr surfaces the store's permission layer as the typed error the
// coordinator treats as expected and non-fatal.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", session.ErrRemoteWriteDenied, err)
	}
	return err
}

func emptyDocument() SessionDocument {
	return SessionDocument{
		Participants: make(map[string]ParticipantRecord),
		Tasks:        make(map[string]TaskRecord),
		Votes:        make(map[string]VoteRecord),
	}
}

func cloneDocument(doc SessionDocument) SessionDocument {
	out := emptyDocument()
	if doc.Info != nil {
		info := *doc.Info
		out.Info = &info
	}
	for k, v := range doc.Participants {
		out.Participants[k] = v
	}
	for k, v := range doc.Tasks {
		out.Tasks[k] = v
	}
	for k, v := range doc.Votes {
		out.Votes[k] = v
	}
	return out
}

// applyEntry folds one KV update into the aggregated document.
func applyEntry(doc *SessionDocument, sessionID string, entry jetstream.KeyValueEntry) {
	parts := strings.Split(strings.TrimPrefix(entry.Key(), sessionID+"."), ".")
	deleted := entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge

	switch parts[0] {
	case "info":
		if deleted {
			doc.Info = nil
			return
		}
		var info SessionInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			log.Warn().Err(err).Str("key", entry.Key()).Msg("undecodable info entry")
			return
		}
		doc.Info = &info

	case "participants":
		if len(parts) != 2 {
			return
		}
		if deleted {
			delete(doc.Participants, parts[1])
			return
		}
		var rec ParticipantRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			log.Warn().Err(err).Str("key", entry.Key()).Msg("undecodable participant entry")
			return
		}
		doc.Participants[parts[1]] = rec

	case "tasks":
		if len(parts) != 2 {
			return
		}
		if deleted {
			delete(doc.Tasks, parts[1])
			return
		}
		var rec TaskRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			log.Warn().Err(err).Str("key", entry.Key()).Msg("undecodable task entry")
			return
		}
		doc.Tasks[parts[1]] = rec

	case "votes":
		if len(parts) != 2 {
			return
		}
		if deleted {
			delete(doc.Votes, parts[1])
			return
		}
		var rec VoteRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			log.Warn().Err(err).Str("key", entry.Key()).Msg("undecodable vote entry")
			return
		}
		doc.Votes[parts[1]] = rec
	}
}

package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/session"
)

// pgNotifyChannel carries session IDs of changed documents.
const pgNotifyChannel = "pointdeck_session_changed"

// insufficientPrivilege is the Postgres error code for denied writes.
const insufficientPrivilege = "42501"

const pgSchema = `
CREATE TABLE IF NOT EXISTS session_info (
	session_id      TEXT PRIMARY KEY,
	host_id         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	current_task_id TEXT NOT NULL DEFAULT '',
	voting_enabled  BOOLEAN NOT NULL,
	votes_revealed  BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS session_participants (
	session_id     TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	name           TEXT NOT NULL,
	is_host        BOOLEAN NOT NULL,
	joined_at      TIMESTAMPTZ NOT NULL,
	last_seen      TIMESTAMPTZ NOT NULL,
	connected      BOOLEAN NOT NULL,
	PRIMARY KEY (session_id, participant_id)
);

CREATE TABLE IF NOT EXISTS session_tasks (
	session_id  TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	created_by  TEXT NOT NULL,
	PRIMARY KEY (session_id, task_id)
);

CREATE TABLE IF NOT EXISTS session_votes (
	session_id     TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	value          TEXT NOT NULL,
	cast_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, participant_id)
);
`

// PGStore backs the cloud transport with Postgres: scoped writes through
// pgx, change subscriptions through LISTEN/NOTIFY. Every write notifies the
// session's subscribers, which re-read the whole document — a full-replace
// push, matching the transport's snapshot contract.
type PGStore struct {
	pool *pgxpool.Pool
	dsn  string

	mu       sync.Mutex
	identity string
}

// NewPGStore connects, ensures the schema, and returns the store.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PGStore{pool: pool, dsn: dsn}, nil
}

// Authenticate confirms connectivity and returns a stable anonymous
// identity for this store handle.
func (s *PGStore) Authenticate(ctx context.Context) (string, error) {
	if err := s.pool.Ping(ctx); err != nil {
		return "", fmt.Errorf("ping postgres: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == "" {
		s.identity = uuid.New().String()
	}
	return s.identity, nil
}

func (s *PGStore) ReadInfo(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	err := s.pool.QueryRow(ctx,
		`SELECT host_id, created_at, current_task_id, voting_enabled, votes_revealed
		 FROM session_info WHERE session_id = $1`, sessionID).
		Scan(&info.HostID, &info.CreatedAt, &info.CurrentTaskID, &info.VotingEnabled, &info.VotesRevealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read info: %w", err)
	}
	return &info, nil
}

func (s *PGStore) ReadDocument(ctx context.Context, sessionID string) (SessionDocument, error) {
	doc := emptyDocument()

	info, err := s.ReadInfo(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return doc, err
	}
	doc.Info = info

	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, name, is_host, joined_at, last_seen, connected
		 FROM session_participants WHERE session_id = $1`, sessionID)
	if err != nil {
		return doc, fmt.Errorf("read participants: %w", err)
	}
	for rows.Next() {
		var id string
		var rec ParticipantRecord
		if err := rows.Scan(&id, &rec.Name, &rec.IsHost, &rec.JoinedAt, &rec.LastSeen, &rec.Connected); err != nil {
			rows.Close()
			return doc, fmt.Errorf("scan participant: %w", err)
		}
		doc.Participants[id] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return doc, fmt.Errorf("read participants: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT task_id, title, description, created_at, created_by
		 FROM session_tasks WHERE session_id = $1`, sessionID)
	if err != nil {
		return doc, fmt.Errorf("read tasks: %w", err)
	}
	for rows.Next() {
		var id string
		var rec TaskRecord
		if err := rows.Scan(&id, &rec.Title, &rec.Description, &rec.CreatedAt, &rec.CreatedBy); err != nil {
			rows.Close()
			return doc, fmt.Errorf("scan task: %w", err)
		}
		doc.Tasks[id] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return doc, fmt.Errorf("read tasks: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT participant_id, value, cast_at
		 FROM session_votes WHERE session_id = $1`, sessionID)
	if err != nil {
		return doc, fmt.Errorf("read votes: %w", err)
	}
	for rows.Next() {
		var id string
		var rec VoteRecord
		if err := rows.Scan(&id, &rec.Value, &rec.Timestamp); err != nil {
			rows.Close()
			return doc, fmt.Errorf("scan vote: %w", err)
		}
		doc.Votes[id] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return doc, fmt.Errorf("read votes: %w", err)
	}

	return doc, nil
}

func (s *PGStore) WriteInfo(ctx context.Context, sessionID string, info SessionInfo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_info (session_id, host_id, created_at, current_task_id, voting_enabled, votes_revealed)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id) DO UPDATE SET
			current_task_id = EXCLUDED.current_task_id,
			voting_enabled  = EXCLUDED.voting_enabled,
			votes_revealed  = EXCLUDED.votes_revealed`,
		sessionID, info.HostID, info.CreatedAt, info.CurrentTaskID, info.VotingEnabled, info.VotesRevealed)
	if err != nil {
		return s.mapWriteErr("write info", err)
	}
	return s.notify(ctx, sessionID)
}

func (s *PGStore) WriteParticipant(ctx context.Context, sessionID, participantID string, rec ParticipantRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_participants (session_id, participant_id, name, is_host, joined_at, last_seen, connected)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, participant_id) DO UPDATE SET
			name = EXCLUDED.name, last_seen = EXCLUDED.last_seen, connected = EXCLUDED.connected`,
		sessionID, participantID, rec.Name, rec.IsHost, rec.JoinedAt, rec.LastSeen, rec.Connected)
	if err != nil {
		return s.mapWriteErr("write participant", err)
	}
	return s.notify(ctx, sessionID)
}

func (s *PGStore) WriteTask(ctx context.Context, sessionID, taskID string, rec TaskRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_tasks (session_id, task_id, title, description, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, task_id) DO NOTHING`,
		sessionID, taskID, rec.Title, rec.Description, rec.CreatedAt, rec.CreatedBy)
	if err != nil {
		return s.mapWriteErr("write task", err)
	}
	return s.notify(ctx, sessionID)
}

func (s *PGStore) WriteVote(ctx context.Context, sessionID, participantID string, rec VoteRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_votes (session_id, participant_id, value, cast_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, participant_id) DO UPDATE SET
			value = EXCLUDED.value, cast_at = EXCLUDED.cast_at`,
		sessionID, participantID, rec.Value, rec.Timestamp)
	if err != nil {
		return s.mapWriteErr("write vote", err)
	}
	return s.notify(ctx, sessionID)
}

func (s *PGStore) ClearVotes(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_votes WHERE session_id = $1`, sessionID); err != nil {
		return s.mapWriteErr("clear votes", err)
	}
	return s.notify(ctx, sessionID)
}

func (s *PGStore) MarkDisconnected(ctx context.Context, sessionID, participantID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE session_participants SET connected = FALSE
		 WHERE session_id = $1 AND participant_id = $2`, sessionID, participantID); err != nil {
		return s.mapWriteErr("mark disconnected", err)
	}
	return s.notify(ctx, sessionID)
}

// Watch listens for NOTIFY events carrying this session's ID and re-reads
// the whole document on each. One dedicated listener connection per watch.
func (s *PGStore) Watch(ctx context.Context, sessionID string) (<-chan SessionDocument, func(), error) {
	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("postgres listener event")
			}
		})
	if err := listener.Listen(pgNotifyChannel); err != nil {
		listener.Close()
		return nil, nil, fmt.Errorf("listen %s: %w", pgNotifyChannel, err)
	}

	out := make(chan SessionDocument, 8)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			if err := listener.Close(); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("closing postgres listener failed")
			}
		})
	}

	go func() {
		defer close(out)

		emit := func() {
			readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			doc, err := s.ReadDocument(readCtx, sessionID)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("document re-read failed")
				return
			}
			select {
			case out <- doc:
			case <-done:
			}
		}

		emit()

		pingTicker := time.NewTicker(time.Minute)
		defer pingTicker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					// Reconnect; re-read to cover missed notifications.
					emit()
					continue
				}
				if n.Extra != sessionID {
					continue
				}
				emit()
			case <-pingTicker.C:
				if err := listener.Ping(); err != nil {
					log.Warn().Err(err).Msg("postgres listener ping failed")
				}
			}
		}
	}()

	return out, stop, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) notify(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, sessionID); err != nil {
		return fmt.Errorf("notify %s: %w", sessionID, err)
	}
	return nil
}

// mapWriteErr surfaces the store's permission layer as the typed error the
// coordinator treats as expected and non-fatal.
func (s *PGStore) mapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == insufficientPrivilege {
		return fmt.Errorf("%w: %s: %v", session.ErrRemoteWriteDenied, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

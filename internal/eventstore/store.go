package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one entry of the voice timeline.
type Event struct {
	ID        int64           `json:"id"`
	EpisodeID string          `json:"episode_id"`
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Episode summarises one capture episode: the span from an explicit enable
// (or startup restore) to the matching disable or fatal stop.
type Episode struct {
	ID       string     `json:"id"`
	Kind     string     `json:"kind"`
	Opened   time.Time  `json:"opened"`
	Closed   *time.Time `json:"closed,omitempty"`
	Events   int        `json:"events"`
	LastType string     `json:"last_type,omitempty"`
}

// Store is a SQLite-backed timeline of capture episodes and their events. A
// store opened in ephemeral mode accepts every call and keeps nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log, clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create timeline schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
    episode_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL DEFAULT '',
    opened_ms INTEGER NOT NULL,
    closed_ms INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    episode_id TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    payload BLOB,
    created_ms INTEGER NOT NULL,
    FOREIGN KEY(episode_id) REFERENCES episodes(episode_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_episode ON events(episode_id, created_ms);
CREATE INDEX IF NOT EXISTS idx_episodes_opened ON episodes(opened_ms);
`

func (s *Store) disabled() bool {
	return s == nil || s.db == nil
}

func (s *Store) now() int64 {
	return s.clock().UnixMilli()
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.disabled() {
		return nil
	}
	return s.db.Close()
}

// OpenEpisode ensures an episode row exists.
func (s *Store) OpenEpisode(ctx context.Context, episodeID, kind string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes(episode_id, kind, opened_ms) VALUES(?, ?, ?)
		 ON CONFLICT(episode_id) DO NOTHING`,
		episodeID, kind, s.now())
	return err
}

// CloseEpisode stamps the episode as finished. Closing twice keeps the first
// stamp.
func (s *Store) CloseEpisode(ctx context.Context, episodeID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET closed_ms = ? WHERE episode_id = ? AND closed_ms IS NULL`,
		s.now(), episodeID)
	return err
}

// AppendEvent writes an event into an already opened episode.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(episode_id, source, event_type, payload, created_ms) VALUES(?, ?, ?, ?, ?)`,
		evt.EpisodeID, evt.Source, evt.Type, []byte(evt.Payload), created)
	return err
}

// Record opens the episode if needed and appends a JSON-encoded event.
// Failures are logged; the timeline never blocks the voice path.
func (s *Store) Record(ctx context.Context, episodeID, source, eventType string, data map[string]any) {
	if s.disabled() {
		return
	}
	if err := s.OpenEpisode(ctx, episodeID, source); err != nil {
		s.log.Warn("failed to open episode", slog.String("error", err.Error()))
		return
	}
	var payload []byte
	if len(data) > 0 {
		var err error
		if payload, err = json.Marshal(data); err != nil {
			s.log.Warn("failed to marshal timeline event", slog.String("error", err.Error()))
			return
		}
	}
	if err := s.AppendEvent(ctx, Event{EpisodeID: episodeID, Source: source, Type: eventType, Payload: payload}); err != nil {
		s.log.Warn("failed to append timeline event", slog.String("error", err.Error()))
	}
}

// ListEpisodeEvents returns up to limit events of one episode, oldest first.
func (s *Store) ListEpisodeEvents(ctx context.Context, episodeID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, episode_id, source, event_type, payload, created_ms
		 FROM events WHERE episode_id = ? ORDER BY created_ms ASC, id ASC LIMIT ?`, episodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
			created int64
		)
		if err := rows.Scan(&e.ID, &e.EpisodeID, &e.Source, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentEpisodes returns up to limit episodes, newest first, with their event
// counts and the type of their latest event.
func (s *Store) RecentEpisodes(ctx context.Context, limit int) ([]Episode, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT e.episode_id, e.kind, e.opened_ms, e.closed_ms,
       (SELECT COUNT(*) FROM events v WHERE v.episode_id = e.episode_id),
       COALESCE((SELECT v.event_type FROM events v WHERE v.episode_id = e.episode_id
                 ORDER BY v.created_ms DESC, v.id DESC LIMIT 1), '')
FROM episodes e ORDER BY e.opened_ms DESC, e.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var (
			ep     Episode
			opened int64
			closed sql.NullInt64
		)
		if err := rows.Scan(&ep.ID, &ep.Kind, &opened, &closed, &ep.Events, &ep.LastType); err != nil {
			return nil, err
		}
		ep.Opened = time.UnixMilli(opened).UTC()
		if closed.Valid {
			t := time.UnixMilli(closed.Int64).UTC()
			ep.Closed = &t
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Prune applies the configured retention. It runs on open.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_ms < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM episodes WHERE opened_ms < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM episodes WHERE episode_id IN (
			SELECT episode_id FROM episodes ORDER BY opened_ms DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

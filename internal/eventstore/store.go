package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	_ "modernc.org/sqlite"
)

// Session is one speak or synthesize request.
type Session struct {
	ID       string
	Method   string
	VoiceKey string
	Speaker  string
	Caller   string
}

// Event is one entry of a session's timeline.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Usage is the accumulated speaking time of one voice and speaker.
type Usage struct {
	VoiceKey string `json:"voice_key"`
	Speaker  string `json:"speaker,omitempty"`
	TotalMS  int64  `json:"total_ms"`
}

type usageKey struct {
	voice   string
	speaker string
}

// Store keeps the speech timeline and voice usage in SQLite. In ephemeral
// mode nothing is persisted and usage is kept in memory.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	memUsage map[usageKey]int64
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, memUsage: make(map[usageKey]int64)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
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

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
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

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    method TEXT NOT NULL,
    voice_key TEXT NOT NULL,
    speaker TEXT,
    caller TEXT,
    outcome TEXT,
    elapsed_ms INTEGER,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS voice_usage (
    voice_key TEXT NOT NULL,
    speaker TEXT NOT NULL DEFAULT '',
    total_ms INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(voice_key, speaker)
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) persistent() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// OpenSession records the start of a session.
func (s *Store) OpenSession(ctx context.Context, sess Session) error {
	if !s.persistent() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, method, voice_key, speaker, caller, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sess.ID, sess.Method, sess.VoiceKey, sess.Speaker, sess.Caller, s.clock().UTC())
	return err
}

// FinishSession stores how a session ended.
func (s *Store) FinishSession(ctx context.Context, sessionID, outcome string, elapsed time.Duration) error {
	if !s.persistent() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET outcome = ?, elapsed_ms = ? WHERE session_id = ?`,
		outcome, elapsed.Milliseconds(), sessionID)
	return err
}

// SessionOutcome returns the recorded outcome of a session, empty while it runs.
func (s *Store) SessionOutcome(ctx context.Context, sessionID string) (string, error) {
	if !s.persistent() {
		return "", nil
	}
	var outcome sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT outcome FROM sessions WHERE session_id = ?`, sessionID).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return outcome.String, err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.persistent() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were recorded.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.persistent() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AddVoiceUsage adds elapsed to the total of voiceKey and speaker.
func (s *Store) AddVoiceUsage(ctx context.Context, voiceKey, speaker string, elapsed time.Duration) error {
	ms := elapsed.Milliseconds()
	if !s.persistent() {
		s.mu.Lock()
		s.memUsage[usageKey{voiceKey, speaker}] += ms
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_usage(voice_key, speaker, total_ms) VALUES(?, ?, ?)
		 ON CONFLICT(voice_key, speaker) DO UPDATE SET total_ms = total_ms + excluded.total_ms`,
		voiceKey, speaker, ms)
	return err
}

// VoiceUsage lists usage totals, most used first.
func (s *Store) VoiceUsage(ctx context.Context) ([]Usage, error) {
	var out []Usage
	if !s.persistent() {
		s.mu.Lock()
		for k, ms := range s.memUsage {
			out = append(out, Usage{VoiceKey: k.voice, Speaker: k.speaker, TotalMS: ms})
		}
		s.mu.Unlock()
	} else {
		rows, err := s.db.QueryContext(ctx, `SELECT voice_key, speaker, total_ms FROM voice_usage`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var u Usage
			if err := rows.Scan(&u.VoiceKey, &u.Speaker, &u.TotalMS); err != nil {
				return nil, err
			}
			out = append(out, u)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalMS != out[j].TotalMS {
			return out[i].TotalMS > out[j].TotalMS
		}
		if out[i].VoiceKey != out[j].VoiceKey {
			return out[i].VoiceKey < out[j].VoiceKey
		}
		return out[i].Speaker < out[j].Speaker
	})
	return out, nil
}

// Popularity sums usage per voice key across speakers.
func (s *Store) Popularity(ctx context.Context) (map[string]int64, error) {
	usage, err := s.VoiceUsage(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(usage))
	for _, u := range usage {
		out[u.VoiceKey] += u.TotalMS
	}
	return out, nil
}

// Prune applies the configured retention to the timeline. Voice usage is
// never pruned.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.persistent() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	if !s.persistent() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

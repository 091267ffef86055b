package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/signbridge/internal/apperr"
	"github.com/loqalabs/signbridge/internal/config"
	_ "modernc.org/sqlite"
)

const (
	MaxCommentLen = 2000

	// fixed width keeps lexical order equal to time order
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Feedback is a kiosk customer rating.
type Feedback struct {
	ID        int64     `json:"-"`
	UID       string    `json:"id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event is one recognition audit entry. It never carries media or recognized text.
type Event struct {
	ID         int64     `json:"-"`
	RequestID  string    `json:"requestId"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Category   string    `json:"category,omitempty"`
	Recognizer string    `json:"recognizer"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists feedback and the recognition audit log in SQLite, or in memory
// when the retention mode is ephemeral.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu        sync.Mutex
	feedback  []Feedback
	events    []Event
	nextID    int64
	nextEvent int64
}

func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    uid TEXT NOT NULL UNIQUE,
    rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
    comment TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS recognition_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    category TEXT,
    recognizer TEXT,
    duration_ms INTEGER,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recognition_events_created ON recognition_events(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether records survive a restart.
func (s *Store) Persistent() bool { return s.db != nil }

// ValidateFeedback normalizes the comment and checks both fields.
func ValidateFeedback(rating int, comment string) (string, error) {
	if rating < 1 || rating > 5 {
		return "", apperr.Invalid("rating must be an integer between 1 and 5")
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return "", apperr.Invalid("comment must not be empty")
	}
	if utf8.RuneCountInString(comment) > MaxCommentLen {
		return "", apperr.Invalid("comment must be at most %d characters", MaxCommentLen)
	}
	return comment, nil
}

func (s *Store) CreateFeedback(ctx context.Context, rating int, comment string) (Feedback, error) {
	comment, err := ValidateFeedback(rating, comment)
	if err != nil {
		return Feedback{}, err
	}
	fb := Feedback{
		UID:       uuid.NewString(),
		Rating:    rating,
		Comment:   comment,
		CreatedAt: s.clock().UTC(),
	}

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextID++
		fb.ID = s.nextID
		s.feedback = append(s.feedback, fb)
		return fb, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback(uid, rating, comment, created_at) VALUES(?, ?, ?, ?)`,
		fb.UID, fb.Rating, fb.Comment, fb.CreatedAt.Format(timeLayout))
	if err != nil {
		return Feedback{}, apperr.Persistence("insert feedback", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Feedback{}, apperr.Persistence("insert feedback", err)
	}
	fb.ID = id
	return fb, nil
}

// ListFeedback returns all feedback, newest first by insertion order.
func (s *Store) ListFeedback(ctx context.Context) ([]Feedback, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]Feedback, 0, len(s.feedback))
		for i := len(s.feedback) - 1; i >= 0; i-- {
			out = append(out, s.feedback[i])
		}
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uid, rating, comment, created_at FROM feedback ORDER BY id DESC`)
	if err != nil {
		return nil, apperr.Persistence("list feedback", err)
	}
	defer rows.Close()

	out := []Feedback{}
	for rows.Next() {
		var fb Feedback
		var created string
		if err := rows.Scan(&fb.ID, &fb.UID, &fb.Rating, &fb.Comment, &created); err != nil {
			return nil, apperr.Persistence("list feedback", err)
		}
		fb.CreatedAt = parseTime(created)
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list feedback", err)
	}
	return out, nil
}

// AppendEvent records one pipeline run.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextEvent++
		evt.ID = s.nextEvent
		s.events = append(s.events, evt)
		if s.cfg.MaxEvents > 0 && len(s.events) > s.cfg.MaxEvents {
			s.events = append([]Event(nil), s.events[len(s.events)-s.cfg.MaxEvents:]...)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recognition_events(request_id, kind, status, category, recognizer, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.RequestID, evt.Kind, evt.Status, evt.Category, evt.Recognizer, evt.DurationMS, evt.CreatedAt.UTC().Format(timeLayout))
	return apperr.Persistence("append event", err)
}

// ListEvents returns up to limit events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]Event, 0, min(limit, len(s.events)))
		for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, s.events[i])
		}
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, kind, status, category, recognizer, duration_ms, created_at
		 FROM recognition_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Persistence("list events", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var requestID, category, recognizer sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &requestID, &e.Kind, &e.Status, &category, &recognizer, &e.DurationMS, &created); err != nil {
			return nil, apperr.Persistence("list events", err)
		}
		e.RequestID = requestID.String
		e.Category = category.String
		e.Recognizer = recognizer.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the audit retention limits. Feedback is never pruned.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM recognition_events WHERE created_at < ?`, cutoff.UTC().Format(timeLayout)); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recognition_events WHERE id IN (
			SELECT id FROM recognition_events ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v string) time.Time {
	if ts, err := time.Parse(timeLayout, v); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts
	}
	return time.Time{}
}

// Ping reports whether the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

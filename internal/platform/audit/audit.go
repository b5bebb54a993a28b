// Package audit keeps a PHI-free trail of live intake sessions: which client
// reported which presence status, and when a submission went out. Record
// contents never reach this package.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/pubsub"
)

// Entry is one audited channel event.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	Channel    string    `json:"channel"`
	Event      string    `json:"event"`
	Status     string    `json:"status,omitempty"`
	ClientID   string    `json:"client_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, e Entry) error

func (f RecorderFunc) Record(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// Events that are audited. Field patches carry record contents and are
// never recorded.
const (
	eventPresence = "patient-status"
	eventSubmit   = "patient-submit"
)

// EntryFromMessage builds an entry from a relayed message. It reports false
// for events that are not audited.
func EntryFromMessage(msg pubsub.Message) (Entry, bool) {
	e := Entry{
		ID:         uuid.New(),
		Channel:    msg.Topic,
		Event:      msg.Name,
		ClientID:   msg.ClientID,
		OccurredAt: msg.Timestamp,
	}
	switch msg.Name {
	case eventPresence:
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(msg.Data, &body); err == nil {
			e.Status = body.Status
		}
	case eventSubmit:
		e.Status = "submitted"
	default:
		return Entry{}, false
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return e, true
}

// DefaultQueueSize bounds the number of entries waiting to be written.
const DefaultQueueSize = 256

// Writer records audited messages on its own goroutine so a slow database
// never delays the relay. Entries that do not fit the queue are logged and
// dropped.
type Writer struct {
	rec     Recorder
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}
}

// NewWriter starts a writer with a queue of size entries.
func NewWriter(rec Recorder, size int, logger zerolog.Logger) *Writer {
	if size <= 0 {
		size = DefaultQueueSize
	}
	w := &Writer{
		rec:     rec,
		logger:  logger,
		timeout: 5 * time.Second,
		entries: make(chan Entry, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Observe queues msg when it is audited. It never blocks.
func (w *Writer) Observe(msg pubsub.Message) {
	e, ok := EntryFromMessage(msg)
	if !ok {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.entries <- e:
	default:
		w.logger.Warn().Str("event", e.Event).Str("client_id", e.ClientID).Msg("audit queue full, dropping entry")
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.entries {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.rec.Record(ctx, e); err != nil {
			w.logger.Error().Err(err).Str("event", e.Event).Str("client_id", e.ClientID).Msg("failed to record audit entry")
		}
		cancel()
	}
}

// NewPool opens and pings a pgx connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// StorePG is the PostgreSQL-backed Recorder.
type StorePG struct{ db execer }

// NewStorePG creates a store on the pool.
func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{db: pool}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS intake_session_event (
	id          UUID PRIMARY KEY,
	channel     TEXT NOT NULL,
	event       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	client_id   TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the audit table when missing.
func (s *StorePG) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

// Record inserts one entry.
func (s *StorePG) Record(ctx context.Context, e Entry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO intake_session_event (id, channel, event, status, client_id, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.Channel, e.Event, e.Status, e.ClientID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

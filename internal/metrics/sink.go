// Package metrics implements the write side of the event stream consumed by
// the expiry oracle: a narrow, fire-and-forget sink over a fixed set of
// event kinds, each carrying a fixed-arity tuple of fields. It must never
// block or fail a caller on the data path.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Kind enumerates the event categories this service emits.
type Kind string

const (
	KindSubscribe     Kind = "subscribe"
	KindUnsubscribe   Kind = "unsubscribe"
	KindPublish       Kind = "publish"
	KindPublishError  Kind = "publish_error"
	KindFanout        Kind = "fanout"
	KindFanoutQueued  Kind = "fanout_queued"
	KindSessionCreate Kind = "session_create"
	KindSessionTouch  Kind = "session_touch"
	KindSessionDelete Kind = "session_delete"
	KindSessionExpire Kind = "session_expire"
	KindCleanupBatch  Kind = "cleanup_batch"
	KindHTTP          Kind = "http"
	KindCacheHit      Kind = "cache_hit"
)

// category groups kinds the way the oracle's aggregation queries partition
// them: "session" rows feed expiry detection, "subscription" rows feed the
// session -> streams lookup.
func (k Kind) category() string {
	switch k {
	case KindSessionCreate, KindSessionTouch, KindSessionDelete, KindSessionExpire:
		return "session"
	case KindSubscribe, KindUnsubscribe:
		return "subscription"
	default:
		return "other"
	}
}

// Event is a single fixed-arity data point.
type Event struct {
	Kind      Kind
	SessionID string
	StreamID  string
	TTL       time.Duration
	Count     int
}

// Sink is the write-only interface every component emits through.
type Sink interface {
	// Emit records an event. It must never block the caller; implementations
	// buffer internally and drop on overflow rather than apply back-pressure.
	Emit(ctx context.Context, ev Event)
	Close() error
}

// SQLiteSink persists events into a local SQLite database, which the expiry
// oracle queries directly for its two aggregations.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger

	buf    chan Event
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// Open creates (if needed) the event table at dsn and starts the background
// writer goroutine. dsn is typically a filesystem path understood by
// mattn/go-sqlite3 (ANALYTICS_DATASET).
func Open(dsn string, logger *slog.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single-writer file, avoid SQLITE_BUSY under concurrent appends

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteSink{
		db:     db,
		logger: logger,
		buf:    make(chan Event, 4096),
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	category    TEXT NOT NULL,
	event       TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	stream_id   TEXT NOT NULL DEFAULT '',
	ttl_seconds INTEGER NOT NULL DEFAULT 0,
	count       INTEGER NOT NULL DEFAULT 0,
	ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, category, ts);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts);
`

// Emit queues ev for persistence. If the internal buffer is full, the event
// is dropped and a warning is logged; it never blocks the caller.
func (s *SQLiteSink) Emit(ctx context.Context, ev Event) {
	select {
	case s.buf <- ev:
	default:
		s.logger.Warn("metrics buffer full, dropping event", "kind", ev.Kind)
	}
}

func (s *SQLiteSink) loop() {
	defer s.wg.Done()
	stmt := `INSERT INTO events (category, event, session_id, stream_id, ttl_seconds, count, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`
	write := func(ev Event) {
		_, err := s.db.Exec(stmt, ev.Kind.category(), string(ev.Kind), ev.SessionID, ev.StreamID, int64(ev.TTL/time.Second), ev.Count, time.Now().UnixMilli())
		if err != nil {
			s.logger.Error("failed to persist metrics event", "kind", ev.Kind, "error", err)
		}
	}
	for {
		select {
		case ev := <-s.buf:
			write(ev)
		case <-s.closed:
			for {
				select {
				case ev := <-s.buf:
					write(ev)
				default:
					return
				}
			}
		}
	}
}

// Close stops the writer goroutine and closes the database handle. Any
// events still buffered are drained best-effort before returning.
func (s *SQLiteSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// DB exposes the underlying handle for the expiry oracle's read queries.
// Kept narrow and unexported everywhere else; only internal/expiry uses this.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

// NoopSink discards every event. Used when ANALYTICS_DATASET is unset.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) {}
func (NoopSink) Close() error                { return nil }

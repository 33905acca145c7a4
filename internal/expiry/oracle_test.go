package expiry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	const schema = `
	CREATE TABLE events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		category    TEXT NOT NULL,
		event       TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		stream_id   TEXT NOT NULL DEFAULT '',
		ttl_seconds INTEGER NOT NULL DEFAULT 0,
		count       INTEGER NOT NULL DEFAULT 0,
		ts          INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func insertEvent(t *testing.T, db *sql.DB, category, event, sessionID, streamID string, ttlSeconds int64, ts time.Time) {
	t.Helper()
	const stmt = `INSERT INTO events (category, event, session_id, stream_id, ttl_seconds, count, ts) VALUES (?, ?, ?, ?, ?, 0, ?)`
	if _, err := db.Exec(stmt, category, event, sessionID, streamID, ttlSeconds, ts.UnixMilli()); err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func TestExpiredSessions_NilDBDegradesToEmpty(t *testing.T) {
	o := New(nil, nil)
	if got := o.ExpiredSessions(context.Background()); got != nil {
		t.Errorf("expected nil result for nil db, got %+v", got)
	}
}

func TestExpiredSessions_FlagsSessionPastItsOwnTTL(t *testing.T) {
	db := openTestDB(t)
	insertEvent(t, db, "session", "session_create", "sess-1", "", 1, time.Now().Add(-2*time.Second))

	o := New(db, nil)
	expired := o.ExpiredSessions(context.Background())
	if len(expired) != 1 || expired[0].SessionID != "sess-1" {
		t.Errorf("expected sess-1 to be expired, got %+v", expired)
	}
}

func TestExpiredSessions_RecentTouchWithinTTLIsNotExpired(t *testing.T) {
	db := openTestDB(t)
	insertEvent(t, db, "session", "session_touch", "sess-2", "", 1800, time.Now())

	o := New(db, nil)
	expired := o.ExpiredSessions(context.Background())
	if len(expired) != 0 {
		t.Errorf("expected no expired sessions, got %+v", expired)
	}
}

func TestExpiredSessions_IgnoresEventsOutsideTheWindow(t *testing.T) {
	db := openTestDB(t)
	insertEvent(t, db, "session", "session_create", "sess-3", "", 1, time.Now().Add(-48*time.Hour))

	o := New(db, nil)
	expired := o.ExpiredSessions(context.Background())
	if len(expired) != 0 {
		t.Errorf("expected events older than the 24h window to be ignored, got %+v", expired)
	}
}

func TestSubscriptions_NilDBDegradesToEmpty(t *testing.T) {
	o := New(nil, nil)
	if got := o.Subscriptions(context.Background(), "sess-1"); got != nil {
		t.Errorf("expected nil result for nil db, got %+v", got)
	}
}

func TestSubscriptions_NetsSubscribeAgainstUnsubscribe(t *testing.T) {
	db := openTestDB(t)
	insertEvent(t, db, "subscription", "subscribe", "sess-1", "orders", 0, time.Now())
	insertEvent(t, db, "subscription", "subscribe", "sess-1", "shipments", 0, time.Now())
	insertEvent(t, db, "subscription", "unsubscribe", "sess-1", "shipments", 0, time.Now())

	o := New(db, nil)
	subs := o.Subscriptions(context.Background(), "sess-1")
	if len(subs) != 1 || subs[0] != "orders" {
		t.Errorf("expected only 'orders' to remain subscribed, got %+v", subs)
	}
}

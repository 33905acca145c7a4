// Package expiry implements the expiry oracle: it derives which sessions
// have gone stale, and which streams they were subscribed to, purely by
// aggregating the metrics event table. It never mutates state and never
// fails its caller — a missing or unreachable analytics backend degrades to
// an empty result set.
package expiry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// ExpiredSession is one row of the first aggregation: a session whose last
// observed activity is older than its own declared TTL.
type ExpiredSession struct {
	SessionID    string
	LastActivity time.Time
	TTL          time.Duration
}

// Oracle answers expiry queries. A nil *sql.DB (no ANALYTICS_DATASET
// configured) makes every method a no-op degrade-to-empty.
type Oracle struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps db (may be nil) for expiry queries.
func New(db *sql.DB, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{db: db, logger: logger}
}

// ExpiredSessions returns sessions whose last session_create/session_touch
// event is older than the TTL declared on that same event, within the last
// 24h window. Errors degrade to an empty slice; they are logged, not
// returned, so cleanup callers never treat analytics trouble as fatal.
func (o *Oracle) ExpiredSessions(ctx context.Context) []ExpiredSession {
	if o.db == nil {
		return nil
	}

	const q = `
		SELECT session_id, MAX(ts) AS last_ts, MAX(ttl_seconds) AS ttl
		FROM events
		WHERE category = 'session'
		  AND event IN ('session_create', 'session_touch')
		  AND ts > ?
		GROUP BY session_id
	`
	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	rows, err := o.db.QueryContext(ctx, q, since)
	if err != nil {
		o.logger.Warn("expiry: query failed, degrading to empty result", "error", err)
		return nil
	}
	defer rows.Close()

	now := time.Now()
	var out []ExpiredSession
	for rows.Next() {
		var sessionID string
		var lastTS int64
		var ttlSeconds int64
		if err := rows.Scan(&sessionID, &lastTS, &ttlSeconds); err != nil {
			o.logger.Warn("expiry: scan failed", "error", err)
			continue
		}
		lastActivity := time.UnixMilli(lastTS)
		ttl := time.Duration(ttlSeconds) * time.Second
		if now.Sub(lastActivity) > ttl {
			out = append(out, ExpiredSession{SessionID: sessionID, LastActivity: lastActivity, TTL: ttl})
		}
	}
	return out
}

// Subscriptions returns the streams sessionID is currently (net) subscribed
// to, derived from subscribe/unsubscribe event deltas.
func (o *Oracle) Subscriptions(ctx context.Context, sessionID string) []string {
	if o.db == nil {
		return nil
	}

	const q = `
		SELECT stream_id,
		       SUM(CASE WHEN event = 'subscribe' THEN 1 ELSE -1 END) AS net
		FROM events
		WHERE category = 'subscription' AND session_id = ?
		GROUP BY stream_id
		HAVING net > 0
	`
	rows, err := o.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		o.logger.Warn("expiry: subscription query failed, degrading to empty result", "session_id", sessionID, "error", err)
		return nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var streamID string
		var net int64
		if err := rows.Scan(&streamID, &net); err != nil {
			o.logger.Warn("expiry: scan failed", "error", err)
			continue
		}
		out = append(out, streamID)
	}
	return out
}

// Package session implements session stream lifecycle: create/touch/delete
// against the log service, using the "session:{sessionId}" path convention.
// No central session table exists; the log is authoritative for existence.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relaycore/internal/expiry"
	"github.com/relaycore/relaycore/internal/logclient"
)

// Info describes a session as reported to callers.
type Info struct {
	SessionID        string   `json:"sessionId"`
	SessionStreamID  string   `json:"sessionStreamPath"`
	ExpiresAt        int64    `json:"expiresAt"`
	Subscriptions    []string `json:"subscriptions"`
}

// Controller manages session stream lifecycle; each call is scoped to the
// project passed to it.
type Controller struct {
	log    logclient.Client
	oracle *expiry.Oracle
	ttl    time.Duration
}

// New constructs a Controller. oracle may report empty subscriptions if
// analytics credentials are not configured; that's treated as best-effort,
// never fatal.
func New(log logclient.Client, oracle *expiry.Oracle, ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Controller{log: log, oracle: oracle, ttl: ttl}
}

// NewSessionID mints a fresh session identifier for callers who did not
// supply their own.
func NewSessionID() string {
	return uuid.NewString()
}

// TTL returns the session expiry duration this controller applies, so
// callers emitting their own metrics events can report the TTL actually in
// effect rather than the zero value.
func (c *Controller) TTL() time.Duration {
	return c.ttl
}

// Touch creates the session stream if absent, or refreshes its expiry if
// present. A 409 (already exists) from the log is treated as success.
func (c *Controller) Touch(ctx context.Context, project, sessionID string) (expiresAt int64, err error) {
	expiresAt = time.Now().Add(c.ttl).UnixMilli()
	doKey := logclient.DoKey(project, logclient.SessionStreamID(sessionID))

	res, err := c.log.PutStream(ctx, doKey, logclient.PutOptions{ExpiresAtMs: expiresAt})
	if err != nil {
		return 0, fmt.Errorf("session: touch %s: %w", sessionID, err)
	}
	if !res.OK {
		return 0, fmt.Errorf("session: touch %s: unexpected status %d", sessionID, res.Status)
	}
	return expiresAt, nil
}

// Get returns session info, or nil if the session stream does not exist.
func (c *Controller) Get(ctx context.Context, project, sessionID string) (*Info, error) {
	doKey := logclient.DoKey(project, logclient.SessionStreamID(sessionID))
	res, err := c.log.HeadStream(ctx, doKey)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if res.Status == 404 {
		return nil, nil
	}
	if !res.OK {
		return nil, fmt.Errorf("session: get %s: unexpected status %d", sessionID, res.Status)
	}

	info := &Info{
		SessionID:       sessionID,
		SessionStreamID: logclient.SessionStreamID(sessionID),
	}
	if c.oracle != nil {
		info.Subscriptions = c.oracle.Subscriptions(ctx, sessionID)
	}
	return info, nil
}

// Delete removes the session stream. A 404 is treated as success
// (idempotent delete).
func (c *Controller) Delete(ctx context.Context, project, sessionID string) error {
	doKey := logclient.DoKey(project, logclient.SessionStreamID(sessionID))
	res, err := c.log.DeleteStream(ctx, doKey)
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	if !res.OK {
		return fmt.Errorf("session: delete %s: unexpected status %d", sessionID, res.Status)
	}
	return nil
}

// Package cleanup implements the scheduled reconciliation pass: detect
// expired sessions via the expiry oracle, remove them from every stream
// they subscribed to, and delete their session streams, all with a grace
// period so a session touched after being marked expired survives.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaycore/relaycore/internal/expiry"
	"github.com/relaycore/relaycore/internal/session"
	"github.com/relaycore/relaycore/internal/subscription"
)

// batchSize bounds how many expired sessions are reconciled concurrently
// per sweep, matching the inline fan-out engine's all-settled pattern.
const batchSize = 10

// gracePeriod is the minimum time a session must remain in the expired set
// before cleanup will delete it, so a late touch always wins.
const gracePeriod = 60 * time.Second

// Result summarizes one sweep run.
type Result struct {
	RanAt                       time.Time `json:"ranAt"`
	ExpiredFound                int       `json:"expiredFound"`
	SessionsClosed              int       `json:"sessionsClosed"`
	Failures                    int       `json:"failures"`
	StreamDeleteSuccesses       int       `json:"streamDeleteSuccesses"`
	StreamDeleteFailures        int       `json:"streamDeleteFailures"`
	SubscriptionRemoveSuccesses int       `json:"subscriptionRemoveSuccesses"`
	SubscriptionRemoveFailures  int       `json:"subscriptionRemoveFailures"`
}

// Reporter receives the result of every sweep run, decoupling the sweeper
// from whatever surfaces it (devtools' live SSE feed, a metrics counter, or
// both).
type Reporter interface {
	Report(Result)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Result)

func (f ReporterFunc) Report(r Result) { f(r) }

// Sweeper runs the reconciliation pass.
type Sweeper struct {
	project    string
	oracle     *expiry.Oracle
	registry   *subscription.Registry
	sessions   *session.Controller
	logger     *slog.Logger
	reporter   Reporter

	mu            chanMutex
	markedExpired map[string]time.Time
}

// chanMutex is a trivial mutex built on a buffered channel, matching the
// single-goroutine-inbox style used elsewhere in this codebase rather than
// pulling in sync.Mutex for a map guarded from exactly one caller (cron
// invokes Sweep serially, but Sweep may be triggered manually for tests).
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New constructs a Sweeper for project. reporter may be nil, in which case
// sweep results are simply logged.
func New(project string, oracle *expiry.Oracle, registry *subscription.Registry, sessions *session.Controller, reporter Reporter, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		project:       project,
		oracle:        oracle,
		registry:      registry,
		sessions:      sessions,
		logger:        logger,
		reporter:      reporter,
		mu:            newChanMutex(),
		markedExpired: make(map[string]time.Time),
	}
}

// Sweep runs one reconciliation pass. Safe to call concurrently, though the
// scheduler only ever calls it serially.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	result := Result{RanAt: time.Now()}

	expired := s.oracle.ExpiredSessions(ctx)
	result.ExpiredFound = len(expired)

	eligible := s.applyGrace(expired)

	for i := 0; i < len(eligible); i += batchSize {
		end := i + batchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		s.sweepBatch(ctx, eligible[i:end], &result)
	}

	if s.reporter != nil {
		s.reporter.Report(result)
	}
	s.logger.Info("cleanup sweep complete",
		"expired_found", result.ExpiredFound,
		"sessions_closed", result.SessionsClosed,
		"failures", result.Failures)
	return result
}

// applyGrace filters expired down to sessions that have been continuously
// expired for at least gracePeriod, and forgets sessions no longer in the
// expired set (they were touched and recovered).
func (s *Sweeper) applyGrace(expired []expiry.ExpiredSession) []expiry.ExpiredSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stillExpired := make(map[string]bool, len(expired))
	var eligible []expiry.ExpiredSession

	for _, es := range expired {
		stillExpired[es.SessionID] = true
		firstSeen, ok := s.markedExpired[es.SessionID]
		if !ok {
			s.markedExpired[es.SessionID] = now
			continue
		}
		if now.Sub(firstSeen) >= gracePeriod {
			eligible = append(eligible, es)
		}
	}

	for sid := range s.markedExpired {
		if !stillExpired[sid] {
			delete(s.markedExpired, sid)
		}
	}

	return eligible
}

type reconcileOutcome struct {
	closed               bool
	streamOK, streamFail int
	subOK, subFail       int
}

func (s *Sweeper) sweepBatch(ctx context.Context, batch []expiry.ExpiredSession, result *Result) {
	g, gctx := errgroup.WithContext(ctx)

	outcomes := make([]reconcileOutcome, len(batch))

	for i, es := range batch {
		i, es := i, es
		g.Go(func() error {
			outcomes[i] = s.reconcileOne(gctx, es)
			return nil // all-settled: individual failures never abort the batch
		})
	}
	g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range outcomes {
		if o.closed {
			result.SessionsClosed++
			delete(s.markedExpired, batch[i].SessionID)
		} else {
			result.Failures++
		}
		result.StreamDeleteSuccesses += o.streamOK
		result.StreamDeleteFailures += o.streamFail
		result.SubscriptionRemoveSuccesses += o.subOK
		result.SubscriptionRemoveFailures += o.subFail
	}
}

func (s *Sweeper) reconcileOne(ctx context.Context, es expiry.ExpiredSession) reconcileOutcome {
	var out reconcileOutcome

	streamIDs := s.oracle.Subscriptions(ctx, es.SessionID)
	for _, streamID := range streamIDs {
		if err := s.registry.RemoveSubscriber(ctx, s.project, streamID, es.SessionID); err != nil {
			out.subFail++
			s.logger.Warn("cleanup: failed to remove subscriber", "session_id", es.SessionID, "stream_id", streamID, "error", err)
			continue
		}
		out.subOK++
	}

	if err := s.sessions.Delete(ctx, s.project, es.SessionID); err != nil {
		out.streamFail++
		s.logger.Warn("cleanup: failed to delete session stream", "session_id", es.SessionID, "error", err)
		return out
	}
	out.streamOK++
	out.closed = true
	return out
}

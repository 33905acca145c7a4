// Package fanout delivers one published message to every subscriber of a
// stream, either inline with bounded parallelism or via a durable queue for
// large subscriber sets.
package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relaycore/relaycore/internal/logclient"
)

// maxInlineParallelism bounds concurrent per-subscriber writes within a
// single inline publish call.
const maxInlineParallelism = 32

// queueBatchSize is the maximum number of subscribers packed into a single
// sendBatch call to the queue.
const queueBatchSize = 100

// Result reports the outcome of fanning a message out to a subscriber list.
type Result struct {
	Successes       int
	Failures        int
	StaleSessionIDs []string
	Mode            string // "inline" or "queued"
}

// Message is a published message being fanned out.
type Message struct {
	Project     string
	SourceID    string // the source streamId the message originated from
	Payload     []byte
	ContentType string
	Producer    *logclient.ProducerID
}

// Engine performs inline and queued delivery.
type Engine struct {
	log    logclient.Client
	queue  QueuePublisher // nil if no queue configured
	logger *slog.Logger
}

// QueuePublisher is the narrow interface the engine needs from a queue
// binding; satisfied by *fanout.NATSPublisher in production and a fake in
// tests.
type QueuePublisher interface {
	SendBatch(ctx context.Context, messages []QueueMessage) error
}

// QueueMessage is one subscriber's fan-out delivery, serialized for the
// queue transport. Payload travels base64-encoded to keep the wire format
// stable for any non-Go consumer on the other end, matching the JSON
// envelope the queue binding expects everywhere else in this system.
type QueueMessage struct {
	Project       string              `json:"project"`
	SessionID     string              `json:"sessionId"`
	DoKey         string              `json:"doKey"`
	PayloadBase64 string              `json:"payloadBase64"`
	ContentType   string              `json:"contentType"`
	Producer      *logclient.ProducerID `json:"producer,omitempty"`
}

// New constructs an Engine. queue may be nil, which forces every publish
// into inline mode regardless of subscriber count.
func New(log logclient.Client, queue QueuePublisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{log: log, queue: queue, logger: logger}
}

// HasQueue reports whether queued fan-out is available.
func (e *Engine) HasQueue() bool { return e.queue != nil }

// DeliverInline writes msg to each subscriber's session stream directly,
// bounded to maxInlineParallelism concurrent writes. One slow or failing
// delivery never blocks the rest: every goroutine's outcome is collected
// independently and the overall call never fails.
func (e *Engine) DeliverInline(ctx context.Context, msg Message, sessionIDs []string) Result {
	result := Result{Mode: "inline"}
	if len(sessionIDs) == 0 {
		return result
	}

	sem := semaphore.NewWeighted(maxInlineParallelism)
	g, gctx := errgroup.WithContext(context.Background()) // detach from caller cancellation: all-settled means we still report individual outcomes

	type outcome struct {
		sessionID string
		status    int
		err       error
	}
	outcomes := make(chan outcome, len(sessionIDs))

	for _, sid := range sessionIDs {
		sid := sid
		if err := sem.Acquire(gctx, 1); err != nil {
			outcomes <- outcome{sessionID: sid, err: err}
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			doKey := logclient.DoKey(msg.Project, logclient.SessionStreamID(sid))
			res, err := e.log.PostStream(ctx, doKey, msg.Payload, msg.ContentType, msg.Producer)
			if err != nil {
				outcomes <- outcome{sessionID: sid, err: err}
				return nil
			}
			outcomes <- outcome{sessionID: sid, status: res.Status}
			return nil
		})
	}
	g.Wait()
	close(outcomes)

	for o := range outcomes {
		switch {
		case o.err != nil:
			result.Failures++
			e.logger.Warn("fanout: inline delivery error", "session_id", o.sessionID, "error", o.err)
		case o.status == 404:
			result.Failures++
			result.StaleSessionIDs = append(result.StaleSessionIDs, o.sessionID)
		case o.status >= 200 && o.status < 300:
			result.Successes++
		default:
			result.Failures++
			e.logger.Warn("fanout: inline delivery failed", "session_id", o.sessionID, "status", o.status)
		}
	}
	return result
}

// DeliverQueued enqueues one message per subscriber in batches of
// queueBatchSize. On enqueue error it falls back to inline delivery for the
// whole call rather than dropping any subscriber silently.
func (e *Engine) DeliverQueued(ctx context.Context, msg Message, sessionIDs []string) Result {
	if e.queue == nil {
		return e.DeliverInline(ctx, msg, sessionIDs)
	}

	payloadB64 := base64.StdEncoding.EncodeToString(msg.Payload)
	batch := make([]QueueMessage, 0, queueBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := e.queue.SendBatch(ctx, batch)
		batch = batch[:0]
		return err
	}

	for _, sid := range sessionIDs {
		batch = append(batch, QueueMessage{
			Project:       msg.Project,
			SessionID:     sid,
			DoKey:         logclient.DoKey(msg.Project, logclient.SessionStreamID(sid)),
			PayloadBase64: payloadB64,
			ContentType:   msg.ContentType,
			Producer:      msg.Producer,
		})
		if len(batch) == queueBatchSize {
			if err := flush(); err != nil {
				e.logger.Warn("fanout: queue enqueue failed, falling back to inline", "error", err)
				return e.DeliverInline(ctx, msg, sessionIDs)
			}
		}
	}
	if err := flush(); err != nil {
		e.logger.Warn("fanout: queue enqueue failed, falling back to inline", "error", err)
		return e.DeliverInline(ctx, msg, sessionIDs)
	}

	return Result{Mode: "queued", Successes: len(sessionIDs)}
}

// DecodePayload reverses the base64 encoding applied for the queue hop.
func DecodePayload(m QueueMessage) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.PayloadBase64)
	if err != nil {
		return nil, fmt.Errorf("fanout: decode payload: %w", err)
	}
	return data, nil
}

// marshalQueueMessage is used by the NATS publisher to serialize a batch
// member onto the wire.
func marshalQueueMessage(m QueueMessage) ([]byte, error) {
	return json.Marshal(m)
}

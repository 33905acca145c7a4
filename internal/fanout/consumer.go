package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaycore/relaycore/internal/logclient"
)

// transientBackoff and exceptionBackoff hold the redelivery delays: 5s for
// transient (5xx) failures, 10s for exceptions (the call itself erroring
// out before a status was observed).
var (
	transientBackoff  = backoff.NewConstantBackOff(5 * time.Second)
	exceptionBackoff  = backoff.NewConstantBackOff(10 * time.Second)
)

// Consumer drains the fan-out queue and performs the actual per-subscriber
// write that queued mode deferred.
type Consumer struct {
	log    logclient.Client
	logger *slog.Logger
}

// NewConsumer constructs a Consumer that writes deliveries via log.
func NewConsumer(log logclient.Client, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{log: log, logger: logger}
}

// Run blocks until ctx is canceled and then stops consume. It does not pull
// or process messages itself; each message reaches HandleMessage only
// through the callback that consume was started with.
func (c *Consumer) Run(ctx context.Context, consume jetstream.ConsumeContext) {
	<-ctx.Done()
	consume.Stop()
}

// HandleMessage processes a single queue message, acking or negatively
// acking per the redelivery policy in the component design: 2xx/404 ack,
// 5xx retry after 5s, other 4xx ack (avoid infinite retry on malformed
// dedup claims), exception retry after 10s.
func (c *Consumer) HandleMessage(ctx context.Context, msg jetstream.Msg) {
	var qm QueueMessage
	if err := json.Unmarshal(msg.Data(), &qm); err != nil {
		c.logger.Error("fanout consumer: malformed message, acking to drop", "error", err)
		msg.Ack()
		return
	}

	payload, err := DecodePayload(qm)
	if err != nil {
		c.logger.Error("fanout consumer: bad payload encoding, acking to drop", "session_id", qm.SessionID, "error", err)
		msg.Ack()
		return
	}

	res, err := c.log.PostStream(ctx, qm.DoKey, payload, qm.ContentType, qm.Producer)
	if err != nil {
		c.logger.Warn("fanout consumer: delivery exception, will retry", "session_id", qm.SessionID, "error", err)
		msg.NakWithDelay(exceptionBackoff.NextBackOff())
		return
	}

	switch {
	case res.Status == 404:
		// Session gone; the caller's lazy-eviction path handles set cleanup.
		msg.Ack()
	case res.Status >= 200 && res.Status < 300:
		msg.Ack()
	case res.Status >= 500:
		c.logger.Warn("fanout consumer: transient failure, will retry", "session_id", qm.SessionID, "status", res.Status)
		msg.NakWithDelay(transientBackoff.NextBackOff())
	default:
		// Other 4xx: malformed dedup claim or similar, not worth retrying forever.
		c.logger.Warn("fanout consumer: non-retryable failure, dropping", "session_id", qm.SessionID, "status", res.Status)
		msg.Ack()
	}
}

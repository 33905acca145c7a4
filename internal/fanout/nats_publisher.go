package fanout

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher publishes fan-out batches onto a JetStream stream/subject
// pair named by FANOUT_QUEUE.
type NATSPublisher struct {
	js      jetstream.JetStream
	subject string
}

// NewNATSPublisher connects to natsURL and binds to the JetStream stream
// identified by queueName, publishing under the same name as the subject.
func NewNATSPublisher(ctx context.Context, natsURL, queueName string) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("fanout: connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("fanout: jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     queueName,
		Subjects: []string{queueName},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("fanout: create stream %s: %w", queueName, err)
	}

	return &NATSPublisher{js: js, subject: queueName}, nil
}

// SendBatch publishes each message in messages as its own JetStream message
// under the bound subject, ack'd synchronously.
func (p *NATSPublisher) SendBatch(ctx context.Context, messages []QueueMessage) error {
	for _, m := range messages {
		data, err := marshalQueueMessage(m)
		if err != nil {
			return err
		}
		if _, err := p.js.Publish(ctx, p.subject, data); err != nil {
			return fmt.Errorf("fanout: publish to %s: %w", p.subject, err)
		}
	}
	return nil
}

// Package subscription implements the per-stream subscription actor: the
// sole authority over one (project, streamId) pair's subscriber set. Every
// mutation against a given stream serializes through exactly one actor
// instance, backed by its own bbolt bucket, including the publish algorithm
// itself so a subscriber snapshot a publish fans out to can never be
// invalidated mid-flight by a concurrent subscribe/unsubscribe.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/relaycore/relaycore/internal/fanout"
	"github.com/relaycore/relaycore/internal/logclient"
	"github.com/relaycore/relaycore/internal/metrics"
)

// defaultQueueThreshold mirrors FANOUT_QUEUE_THRESHOLD's configured default.
const defaultQueueThreshold = 100

// Subscriber is one row of a stream's subscriber set.
type Subscriber struct {
	SessionID    string `json:"sessionId"`
	SubscribedAt int64  `json:"subscribedAt"` // epoch ms
}

// Snapshot is the response shape for getSubscribers.
type Snapshot struct {
	StreamID    string       `json:"streamId"`
	Count       int          `json:"count"`
	Subscribers []Subscriber `json:"subscribers"`
}

// PublishEnvelope is the payload handed to publish: the raw append body plus
// the producer idempotency triple forwarded to the log service.
type PublishEnvelope struct {
	Payload     []byte
	ContentType string
	Producer    *logclient.ProducerID
}

// PublishResult mirrors the public publish response. OK false means the
// source write itself failed: Status/Body are the origin's raw response and
// no fan-out was attempted, preserving the no-fan-out-on-write-failure
// invariant.
type PublishResult struct {
	OK              bool
	Status          int
	Body            []byte
	NextOffset      string
	FanoutCount     int
	FanoutSuccesses int
	FanoutFailures  int
	FanoutMode      string
}

// Registry lazily instantiates one actor per (project, streamId) and routes
// calls to it. The registry itself holds only a map lock, never a per-actor
// lock, so operations against different streams never contend with each
// other.
type Registry struct {
	db *bbolt.DB

	log            logclient.Client
	fanout         *fanout.Engine
	metrics        metrics.Sink
	queueThreshold int
	logger         *slog.Logger

	mu     sync.Mutex
	actors map[string]*actor
}

// Open opens (creating if needed) the bbolt file at path and returns a
// Registry over it. log and fanoutEngine back the publish operation; sink
// may be nil (defaults to a no-op sink) and queueThreshold <= 0 defaults to
// 100, matching FANOUT_QUEUE_THRESHOLD's configured default.
func Open(path string, log logclient.Client, fanoutEngine *fanout.Engine, sink metrics.Sink, queueThreshold int, logger *slog.Logger) (*Registry, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("subscription: open bbolt at %s: %w", path, err)
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	if queueThreshold <= 0 {
		queueThreshold = defaultQueueThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		db:             db,
		log:            log,
		fanout:         fanoutEngine,
		metrics:        sink,
		queueThreshold: queueThreshold,
		logger:         logger,
		actors:         make(map[string]*actor),
	}, nil
}

// Close releases the underlying bbolt handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) actorFor(doKey, streamID string) *actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[doKey]; ok {
		return a
	}
	a := &actor{doKey: doKey, streamID: streamID, db: r.db, inbox: make(chan func(), 32)}
	r.actors[doKey] = a
	go a.run()
	return a
}

// AddSubscriber inserts {sessionId, now} if absent; a no-op if present.
func (r *Registry) AddSubscriber(ctx context.Context, project, streamID, sessionID string) error {
	a := r.actorFor(logclient.DoKey(project, streamID), streamID)
	return a.do(ctx, func() error {
		return a.addSubscriberTx(sessionID)
	})
}

// RemoveSubscriber deletes sessionID from streamID's set; a no-op if absent.
func (r *Registry) RemoveSubscriber(ctx context.Context, project, streamID, sessionID string) error {
	a := r.actorFor(logclient.DoKey(project, streamID), streamID)
	return a.do(ctx, func() error {
		return a.removeSubscribersTx([]string{sessionID})
	})
}

// RemoveSubscribers bulk-deletes ids from streamID's set in a single write.
func (r *Registry) RemoveSubscribers(ctx context.Context, project, streamID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	a := r.actorFor(logclient.DoKey(project, streamID), streamID)
	return a.do(ctx, func() error {
		return a.removeSubscribersTx(ids)
	})
}

// GetSubscribers returns the current subscriber set for streamID.
func (r *Registry) GetSubscribers(ctx context.Context, project, streamID string) (Snapshot, error) {
	a := r.actorFor(logclient.DoKey(project, streamID), streamID)
	var snap Snapshot
	err := a.do(ctx, func() error {
		var err error
		snap, err = a.snapshotTx()
		return err
	})
	return snap, err
}

// Publish runs the publish algorithm as a single operation serialized
// through streamID's actor: append to the source stream, snapshot the
// current subscriber set, fan out to it, then evict any subscriber whose
// delivery came back 404. Running all of this through the actor's inbox
// means the snapshot this call fans out to can never be invalidated by a
// concurrent subscribe/unsubscribe landing between the read and the
// eviction.
func (r *Registry) Publish(ctx context.Context, project, streamID string, env PublishEnvelope) (PublishResult, error) {
	doKey := logclient.DoKey(project, streamID)
	a := r.actorFor(doKey, streamID)

	var result PublishResult
	err := a.do(ctx, func() error {
		res, err := r.runPublish(ctx, a, project, streamID, doKey, env)
		result = res
		return err
	})
	return result, err
}

func (r *Registry) runPublish(ctx context.Context, a *actor, project, streamID, doKey string, env PublishEnvelope) (PublishResult, error) {
	appendRes, err := r.log.PostStream(ctx, doKey, env.Payload, env.ContentType, env.Producer)
	if err != nil {
		r.metrics.Emit(ctx, metrics.Event{Kind: metrics.KindPublishError, StreamID: streamID})
		return PublishResult{}, err
	}
	if !appendRes.OK {
		r.metrics.Emit(ctx, metrics.Event{Kind: metrics.KindPublishError, StreamID: streamID})
		return PublishResult{Status: appendRes.Status, Body: appendRes.Body, FanoutMode: "inline"}, nil
	}
	r.metrics.Emit(ctx, metrics.Event{Kind: metrics.KindPublish, StreamID: streamID})

	snap, err := a.snapshotTx()
	if err != nil {
		return PublishResult{}, err
	}
	sessionIDs := make([]string, len(snap.Subscribers))
	for i, sub := range snap.Subscribers {
		sessionIDs[i] = sub.SessionID
	}

	fanoutProducer := &logclient.ProducerID{ID: "fanout:" + streamID, Epoch: "1", Seq: appendRes.NextOffset}
	msg := fanout.Message{
		Project:     project,
		SourceID:    streamID,
		Payload:     env.Payload,
		ContentType: env.ContentType,
		Producer:    fanoutProducer,
	}

	var fanoutResult fanout.Result
	if len(sessionIDs) > r.queueThreshold && r.fanout.HasQueue() {
		fanoutResult = r.fanout.DeliverQueued(ctx, msg, sessionIDs)
		r.metrics.Emit(ctx, metrics.Event{Kind: metrics.KindFanoutQueued, StreamID: streamID, Count: len(sessionIDs)})
	} else {
		fanoutResult = r.fanout.DeliverInline(ctx, msg, sessionIDs)
		r.metrics.Emit(ctx, metrics.Event{Kind: metrics.KindFanout, StreamID: streamID, Count: len(sessionIDs)})
	}

	if len(fanoutResult.StaleSessionIDs) > 0 {
		if err := a.removeSubscribersTx(fanoutResult.StaleSessionIDs); err != nil {
			r.logger.Warn("publish: failed to evict stale subscribers", "stream_id", streamID, "error", err)
		}
	}

	return PublishResult{
		OK:              true,
		Status:          appendRes.Status,
		NextOffset:      appendRes.NextOffset,
		FanoutCount:     len(sessionIDs),
		FanoutSuccesses: fanoutResult.Successes,
		FanoutFailures:  fanoutResult.Failures,
		FanoutMode:      fanoutResult.Mode,
	}, nil
}

// actor owns exactly one (project, streamId) pair's subscriber set. All
// state mutation flows through its inbox channel, drained by a single
// goroutine started in actorFor; this is the "single-writer arena" the
// framework relies on.
type actor struct {
	doKey    string
	streamID string
	db       *bbolt.DB
	inbox    chan func()
}

func (a *actor) run() {
	for fn := range a.inbox {
		fn()
	}
}

// do submits fn to the actor's inbox and waits for it to run or ctx to be
// canceled. fn captures its own result via closure.
func (a *actor) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	op := func() { done <- fn() }

	select {
	case a.inbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) bucketName() []byte {
	return []byte("subscribers:" + a.doKey)
}

func (a *actor) addSubscriberTx(sessionID string) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(a.bucketName())
		if err != nil {
			return err
		}
		key := []byte(sessionID)
		if b.Get(key) != nil {
			return nil // idempotent: already present, do not refresh subscribedAt
		}
		sub := Subscriber{SessionID: sessionID, SubscribedAt: time.Now().UnixMilli()}
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (a *actor) removeSubscribersTx(ids []string) error {
	return a.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(a.bucketName())
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *actor) snapshotTx() (Snapshot, error) {
	snap := Snapshot{StreamID: a.streamID}
	err := a.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(a.bucketName())
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sub Subscriber
			if err := json.Unmarshal(v, &sub); err != nil {
				return nil // skip corrupt row rather than fail the whole snapshot
			}
			snap.Subscribers = append(snap.Subscribers, sub)
			return nil
		})
	})
	snap.Count = len(snap.Subscribers)
	return snap, err
}

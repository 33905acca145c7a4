package subscription

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/relaycore/relaycore/internal/fanout"
	"github.com/relaycore/relaycore/internal/logclient"
	"github.com/relaycore/relaycore/internal/metrics"
)

// fakeLog is a minimal in-memory stand-in for logclient.Client.
type fakeLog struct {
	streams map[string]bool
}

func newFakeLog() *fakeLog {
	return &fakeLog{streams: make(map[string]bool)}
}

func (f *fakeLog) PutStream(ctx context.Context, doKey string, opts logclient.PutOptions) (*logclient.StatusResult, error) {
	f.streams[doKey] = true
	return &logclient.StatusResult{OK: true, Status: http.StatusCreated}, nil
}

func (f *fakeLog) PostStream(ctx context.Context, doKey string, payload []byte, contentType string, producer *logclient.ProducerID) (*logclient.AppendResult, error) {
	if !f.streams[doKey] {
		return &logclient.AppendResult{OK: false, Status: http.StatusNotFound, Body: []byte("not found")}, nil
	}
	return &logclient.AppendResult{OK: true, Status: http.StatusOK, NextOffset: "7"}, nil
}

func (f *fakeLog) HeadStream(ctx context.Context, doKey string) (*logclient.StatusResult, error) {
	if !f.streams[doKey] {
		return &logclient.StatusResult{OK: false, Status: http.StatusNotFound}, nil
	}
	return &logclient.StatusResult{OK: true, Status: http.StatusOK}, nil
}

func (f *fakeLog) DeleteStream(ctx context.Context, doKey string) (*logclient.StatusResult, error) {
	delete(f.streams, doKey)
	return &logclient.StatusResult{OK: true, Status: http.StatusOK}, nil
}

func (f *fakeLog) ReadStream(ctx context.Context, doKey string, query url.Values) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody}, nil
}

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscriptions.db")
	log := newFakeLog()
	eng := fanout.New(log, nil, nil)
	r, err := Open(path, log, eng, metrics.NoopSink{}, 0, nil)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAddSubscriber_Idempotent(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if err := r.AddSubscriber(ctx, "acme", "s1", "alice"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.AddSubscriber(ctx, "acme", "s1", "alice"); err != nil {
		t.Fatalf("add again: %v", err)
	}

	snap, err := r.GetSubscribers(ctx, "acme", "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Count != 1 {
		t.Errorf("expected count 1 after double add, got %d", snap.Count)
	}
}

func TestRemoveSubscriber_NoopIfAbsent(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if err := r.RemoveSubscriber(ctx, "acme", "s1", "nobody"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	snap, err := r.GetSubscribers(ctx, "acme", "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Count != 0 {
		t.Errorf("expected empty set, got %d", snap.Count)
	}
}

func TestRemoveSubscribers_Bulk(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		if err := r.AddSubscriber(ctx, "acme", "s1", s); err != nil {
			t.Fatalf("add %s: %v", s, err)
		}
	}

	if err := r.RemoveSubscribers(ctx, "acme", "s1", []string{"a", "c"}); err != nil {
		t.Fatalf("bulk remove: %v", err)
	}

	snap, err := r.GetSubscribers(ctx, "acme", "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Count != 1 || snap.Subscribers[0].SessionID != "b" {
		t.Errorf("expected only 'b' remaining, got %+v", snap.Subscribers)
	}
}

func TestIndependentStreamsDoNotInterfere(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if err := r.AddSubscriber(ctx, "acme", "s1", "alice"); err != nil {
		t.Fatalf("add to s1: %v", err)
	}
	if err := r.AddSubscriber(ctx, "acme", "s2", "bob"); err != nil {
		t.Fatalf("add to s2: %v", err)
	}

	snap1, _ := r.GetSubscribers(ctx, "acme", "s1")
	snap2, _ := r.GetSubscribers(ctx, "acme", "s2")
	if snap1.Count != 1 || snap1.Subscribers[0].SessionID != "alice" {
		t.Errorf("s1 unexpected: %+v", snap1)
	}
	if snap2.Count != 1 || snap2.Subscribers[0].SessionID != "bob" {
		t.Errorf("s2 unexpected: %+v", snap2)
	}
}

func TestIndependentProjectsDoNotInterfere(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if err := r.AddSubscriber(ctx, "tenant-a", "orders", "alice"); err != nil {
		t.Fatalf("add for tenant-a: %v", err)
	}

	snapA, err := r.GetSubscribers(ctx, "tenant-a", "orders")
	if err != nil {
		t.Fatalf("get tenant-a: %v", err)
	}
	snapB, err := r.GetSubscribers(ctx, "tenant-b", "orders")
	if err != nil {
		t.Fatalf("get tenant-b: %v", err)
	}

	if snapA.Count != 1 {
		t.Errorf("expected tenant-a's same-named stream to keep its subscriber, got %+v", snapA)
	}
	if snapB.Count != 0 {
		t.Errorf("expected a same-named stream under a different project to start empty, got %+v", snapB)
	}
}

func TestConcurrentAddsSerializePerStream(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	const n = 50
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errCh <- r.AddSubscriber(ctx, "acme", "hot", fmt.Sprintf("session-%d", i))
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("concurrent add failed: %v", err)
		}
	}

	snap, err := r.GetSubscribers(ctx, "acme", "hot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Count != n {
		t.Errorf("expected %d subscribers, got %d", n, snap.Count)
	}
}

func TestPublish_FansOutAndEvictsStaleSubscribers(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	log := r.log.(*fakeLog)
	log.streams[logclient.DoKey("acme", "orders")] = true
	log.streams[logclient.DoKey("acme", logclient.SessionStreamID("alive"))] = true
	// "gone" has no session stream, so its fan-out delivery 404s.

	if err := r.AddSubscriber(ctx, "acme", "orders", "alive"); err != nil {
		t.Fatalf("subscribe alive: %v", err)
	}
	if err := r.AddSubscriber(ctx, "acme", "orders", "gone"); err != nil {
		t.Fatalf("subscribe gone: %v", err)
	}

	result, err := r.Publish(ctx, "acme", "orders", PublishEnvelope{Payload: []byte("hello"), ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected OK publish, got %+v", result)
	}
	if result.FanoutCount != 2 || result.FanoutSuccesses != 1 || result.FanoutFailures != 1 {
		t.Errorf("unexpected fanout tally: %+v", result)
	}
	if result.FanoutMode != "inline" {
		t.Errorf("expected inline fanout mode, got %q", result.FanoutMode)
	}

	snap, err := r.GetSubscribers(ctx, "acme", "orders")
	if err != nil {
		t.Fatalf("get subscribers: %v", err)
	}
	if snap.Count != 1 || snap.Subscribers[0].SessionID != "alive" {
		t.Errorf("expected only 'alive' to remain after eviction, got %+v", snap.Subscribers)
	}
}

func TestPublish_SourceWriteFailureSkipsFanout(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if err := r.AddSubscriber(ctx, "acme", "missing-stream", "alice"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	result, err := r.Publish(ctx, "acme", "missing-stream", PublishEnvelope{Payload: []byte("x")})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.OK {
		t.Fatalf("expected a failed source write, got %+v", result)
	}
	if result.Status != http.StatusNotFound {
		t.Errorf("expected origin's 404 forwarded, got %d", result.Status)
	}

	snap, err := r.GetSubscribers(ctx, "acme", "missing-stream")
	if err != nil {
		t.Fatalf("get subscribers: %v", err)
	}
	if snap.Count != 1 {
		t.Errorf("expected the subscriber to survive a failed publish (no fan-out happened), got %+v", snap)
	}
}

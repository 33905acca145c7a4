package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusSink_EmitIncrementsCounters(t *testing.T) {
	s := NewPrometheusSink(nil)
	ctx := context.Background()

	s.Emit(ctx, Event{Kind: KindPublish})
	s.Emit(ctx, Event{Kind: KindFanout, Count: 3})
	s.Emit(ctx, Event{Kind: KindCacheHit})
	s.Emit(ctx, Event{Kind: KindCleanupBatch, Count: 2})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"publish_total 1",
		"fanout_total 3",
		"cache_hit_total 1",
		"cleanup_swept_total 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestPrometheusSink_DelegatesToWrappedSink(t *testing.T) {
	var forwarded []Event
	next := &recordingSink{emit: func(ev Event) { forwarded = append(forwarded, ev) }}

	s := NewPrometheusSink(next)
	s.Emit(context.Background(), Event{Kind: KindSubscribe, StreamID: "orders"})

	if len(forwarded) != 1 || forwarded[0].StreamID != "orders" {
		t.Errorf("expected the event to be forwarded, got %+v", forwarded)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !next.closed {
		t.Error("expected Close to propagate to the wrapped sink")
	}
}

type recordingSink struct {
	emit   func(Event)
	closed bool
}

func (r *recordingSink) Emit(ctx context.Context, ev Event) { r.emit(ev) }
func (r *recordingSink) Close() error                       { r.closed = true; return nil }

package edgecache

import (
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGet_CoalescesConcurrentFetches(t *testing.T) {
	c := New(50 * time.Millisecond)

	var originCalls int64
	fetch := func() (*Entry, StorePolicy, error) {
		atomic.AddInt64(&originCalls, 1)
		time.Sleep(30 * time.Millisecond)
		return &Entry{Status: 200, Body: []byte("hello"), MaxAge: time.Minute}, Store, nil
	}

	const n = 20
	var wg sync.WaitGroup
	hits := int64(0)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, outcome, err := c.Get("GET /v1/session/abc", false, false, fetch)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if string(entry.Body) != "hello" {
				t.Errorf("unexpected body: %s", entry.Body)
			}
			if outcome == Hit {
				atomic.AddInt64(&hits, 1)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&originCalls) != 1 {
		t.Errorf("expected exactly 1 origin call, got %d", originCalls)
	}
	if hits < int64(n-1) {
		t.Errorf("expected at least %d hits, got %d", n-1, hits)
	}
}

func TestGet_NotStoredMeansImmediateEviction(t *testing.T) {
	c := New(10 * time.Millisecond)

	calls := int64(0)
	fetch := func() (*Entry, StorePolicy, error) {
		atomic.AddInt64(&calls, 1)
		return &Entry{Status: 200, Body: []byte("at-tail")}, DoNotStore, nil
	}

	if _, _, err := c.Get("GET /v1/stream", false, false, fetch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected nothing stored, got %d entries", c.Len())
	}

	// A second call should trigger the origin again since nothing was cached
	// and the in-flight record was not retained.
	if _, _, err := c.Get("GET /v1/stream", false, false, fetch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("expected 2 origin calls for an uncached key, got %d", calls)
	}
}

func TestGet_StoredEntryServedOnSubsequentCall(t *testing.T) {
	c := New(10 * time.Millisecond)

	calls := int64(0)
	fetch := func() (*Entry, StorePolicy, error) {
		atomic.AddInt64(&calls, 1)
		return &Entry{Status: 200, Body: []byte("mid-stream"), MaxAge: time.Minute}, Store, nil
	}

	if _, _, err := c.Get("GET /v1/stream?offset=5", false, false, fetch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, outcome, err := c.Get("GET /v1/stream?offset=5", false, false, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Hit {
		t.Errorf("expected Hit on second call, got %v", outcome)
	}
	if string(entry.Body) != "mid-stream" {
		t.Errorf("unexpected body: %s", entry.Body)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected only 1 origin call, got %d", calls)
	}
}

func TestGet_DebugBypassSkipsStorageAndCoalescing(t *testing.T) {
	c := New(10 * time.Millisecond)

	calls := int64(0)
	fetch := func() (*Entry, StorePolicy, error) {
		atomic.AddInt64(&calls, 1)
		return &Entry{Status: 200, Body: []byte("x"), MaxAge: time.Minute}, Store, nil
	}

	if _, outcome, err := c.Get("GET /v1/debug", false, true, fetch); err != nil || outcome != Bypass {
		t.Fatalf("expected Bypass outcome, got outcome=%v err=%v", outcome, err)
	}
	if c.Len() != 0 {
		t.Errorf("expected debug-tagged response not stored, got %d entries", c.Len())
	}
}

func TestGet_NoCacheSkipsLookupButStoresResult(t *testing.T) {
	c := New(10 * time.Millisecond)

	calls := int64(0)
	fetch := func() (*Entry, StorePolicy, error) {
		atomic.AddInt64(&calls, 1)
		return &Entry{Status: 200, Body: []byte("fresh"), MaxAge: time.Minute}, Store, nil
	}

	if _, _, err := c.Get("GET /v1/stream", false, false, fetch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, outcome, err := c.Get("GET /v1/stream", true, false, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != NoCacheBypass {
		t.Errorf("expected NoCacheBypass outcome for a no-cache request, got %v", outcome)
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("expected no-cache to skip the stored lookup and re-fetch, got %d calls", calls)
	}

	// A later plain request should now be served from what the no-cache
	// call just stored.
	_, outcome, err = c.Get("GET /v1/stream", false, false, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Hit {
		t.Errorf("expected the no-cache call's result to have been stored, got %v", outcome)
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("expected no additional origin call, got %d", calls)
	}
}

func TestCanonicalKey_SortsQueryParams(t *testing.T) {
	u1, _ := url.Parse("/v1/stream?b=2&a=1")
	u2, _ := url.Parse("/v1/stream?a=1&b=2")

	k1 := CanonicalKey("GET", u1)
	k2 := CanonicalKey("GET", u2)
	if k1 != k2 {
		t.Errorf("expected equivalent query strings to produce the same key: %q != %q", k1, k2)
	}
}

func TestDecide_NeverStoresErrorResponses(t *testing.T) {
	policy, _ := Decide(RequestDecision{}, ResponseContext{Status: 404})
	if policy != DoNotStore {
		t.Error("expected error responses to never be stored")
	}
}

func TestDecide_NeverStoresAtTailPlainGET(t *testing.T) {
	policy, _ := Decide(RequestDecision{}, ResponseContext{Status: 200, StreamUpToDate: true})
	if policy != DoNotStore {
		t.Error("expected at-tail plain GET to never be stored")
	}
}

func TestDecide_StoresMidStreamPlainGET(t *testing.T) {
	policy, maxAge := Decide(RequestDecision{}, ResponseContext{Status: 200, StreamUpToDate: false})
	if policy != Store {
		t.Error("expected mid-stream plain GET to be stored")
	}
	if maxAge != 60_000 {
		t.Errorf("expected 60s max-age, got %dms", maxAge)
	}
}

func TestDecide_NeverStoresLongPollTimeout(t *testing.T) {
	policy, _ := Decide(RequestDecision{}, ResponseContext{Status: 204, IsLongPoll: true, LongPollTimeout: true})
	if policy != DoNotStore {
		t.Error("expected long-poll timeout to never be stored")
	}
}

func TestDecide_StoresLongPoll200(t *testing.T) {
	policy, maxAge := Decide(RequestDecision{}, ResponseContext{Status: 200, IsLongPoll: true})
	if policy != Store {
		t.Error("expected long-poll 200 to be stored")
	}
	if maxAge != 20_000 {
		t.Errorf("expected 20s max-age, got %dms", maxAge)
	}
}

func TestDecide_ClampsToRemainingTTL(t *testing.T) {
	policy, maxAge := Decide(RequestDecision{}, ResponseContext{Status: 200, TTLRemaining: 5_000})
	if policy != Store {
		t.Fatal("expected storage")
	}
	if maxAge != 5_000 {
		t.Errorf("expected max-age clamped to remaining TTL (5000ms), got %d", maxAge)
	}
}

func TestDecide_NeverStoresOffsetNow(t *testing.T) {
	policy, _ := Decide(RequestDecision{OffsetNow: true}, ResponseContext{Status: 200})
	if policy != DoNotStore {
		t.Error("expected offset=now reads to never be stored")
	}
}

func TestDecide_NeverStoresNonGET(t *testing.T) {
	policy, _ := Decide(RequestDecision{NeverStoreMethod: true}, ResponseContext{Status: 200})
	if policy != DoNotStore {
		t.Error("expected non-GET methods to never be stored")
	}
}

package edgecache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// CanonicalKey builds the cache key for method+url: method, then the path,
// then query parameters sorted by name so equivalent requests with
// differently-ordered query strings collapse to the same key.
func CanonicalKey(method string, u *url.URL) string {
	q := u.Query()
	names := make([]string, 0, len(q))
	for k := range q {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(u.Path)
	if len(names) > 0 {
		b.WriteByte('?')
		for i, name := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			values := q[name]
			sort.Strings(values)
			for j, v := range values {
				if j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(name)
				b.WriteByte('=')
				b.WriteString(v)
			}
		}
	}
	return b.String()
}

// RequestDecision captures the request-side inputs to the cacheability
// decision tree, computed before the origin responds.
type RequestDecision struct {
	// NeverStoreMethod is true for anything but GET; only GET may be stored,
	// and only GET/HEAD are looked up at all.
	NeverStoreMethod bool
	// DebugBypass corresponds to X-Debug-Coalesce: skip lookup and storage.
	DebugBypass bool
	// NoCache corresponds to a request Cache-Control: no-cache: skip lookup,
	// but still store the result.
	NoCache bool
	// OffsetNow corresponds to query offset=now, which must never be stored.
	OffsetNow bool
}

// DecideRequest inspects r and derives the request-side policy inputs.
func DecideRequest(r *http.Request) RequestDecision {
	q := r.URL.Query()
	return RequestDecision{
		NeverStoreMethod: r.Method != http.MethodGet,
		DebugBypass:      r.Header.Get("X-Debug-Coalesce") != "",
		NoCache:          strings.Contains(r.Header.Get("Cache-Control"), "no-cache"),
		OffsetNow:        q.Get("offset") == "now",
	}
}

// ResponseContext captures the origin response signals needed to finish the
// cacheability decision once a response is in hand.
type ResponseContext struct {
	Status           int
	ContentType      string
	CacheControl     string
	StreamUpToDate   bool
	IsLongPoll       bool
	LongPollTimeout  bool // true for a long-poll 204 timeout response
	TTLRemaining     int64 // milliseconds; 0 means stream has no TTL
	DeclaredMaxAgeMs int64
}

// Decide applies the full decision tree from the component design, given
// both request- and response-side signals, and returns the store policy
// plus the max-age to apply if Store.
func Decide(req RequestDecision, res ResponseContext) (StorePolicy, int64) {
	if req.NeverStoreMethod || req.DebugBypass || req.OffsetNow {
		return DoNotStore, 0
	}
	if res.Status >= 400 {
		return DoNotStore, 0
	}
	if strings.Contains(res.CacheControl, "no-store") {
		return DoNotStore, 0
	}
	if res.ContentType == "text/event-stream" {
		return DoNotStore, 0
	}
	if res.LongPollTimeout {
		return DoNotStore, 0
	}

	if res.IsLongPoll {
		if res.Status != 200 {
			return DoNotStore, 0
		}
		maxAge := int64(20_000)
		return Store, clampMaxAge(maxAge, res.TTLRemaining)
	}

	// Plain GET.
	if res.StreamUpToDate {
		return DoNotStore, 0
	}
	maxAge := int64(60_000)
	return Store, clampMaxAge(maxAge, res.TTLRemaining)
}

func clampMaxAge(maxAgeMs, ttlRemainingMs int64) int64 {
	if ttlRemainingMs > 0 && ttlRemainingMs < maxAgeMs {
		return ttlRemainingMs
	}
	return maxAgeMs
}

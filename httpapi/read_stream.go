package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/relaycore/relaycore/internal/edgecache"
	"github.com/relaycore/relaycore/internal/logclient"
	"github.com/relaycore/relaycore/internal/metrics"
)

// handleReadStream is the consumer read path: lookup/coalesce through the
// edge cache, falling through to the log service's readStream on a miss.
func (s *Server) handleReadStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	streamID := ps.ByName("streamId")
	project := s.project(r)
	doKey := logclient.DoKey(project, streamID)

	reqDecision := edgecache.DecideRequest(r)
	key := edgecache.CanonicalKey(r.Method, r.URL)

	fetch := func() (*edgecache.Entry, edgecache.StorePolicy, error) {
		resp, err := s.Log.ReadStream(r.Context(), doKey, r.URL.Query())
		if err != nil {
			return nil, edgecache.DoNotStore, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, edgecache.DoNotStore, err
		}

		entry := &edgecache.Entry{
			Status:  resp.StatusCode,
			Headers: resp.Header.Clone(),
			Body:    body,
			ETag:    resp.Header.Get("ETag"),
		}

		upToDate := resp.Header.Get("Stream-Up-To-Date") == "true"
		isLongPoll := r.URL.Query().Get("live") == "long-poll"
		longPollTimeout := isLongPoll && resp.StatusCode == http.StatusNoContent

		var ttlRemainingMs int64
		if v := resp.Header.Get("Stream-TTL-Remaining-Ms"); v != "" {
			ttlRemainingMs, _ = strconv.ParseInt(v, 10, 64)
		}

		policy, maxAgeMs := edgecache.Decide(reqDecision, edgecache.ResponseContext{
			Status:          resp.StatusCode,
			ContentType:     resp.Header.Get("Content-Type"),
			CacheControl:    resp.Header.Get("Cache-Control"),
			StreamUpToDate:  upToDate,
			IsLongPoll:      isLongPoll,
			LongPollTimeout: longPollTimeout,
			TTLRemaining:    ttlRemainingMs,
		})
		entry.MaxAge = time.Duration(maxAgeMs) * time.Millisecond
		return entry, policy, nil
	}

	if r.Method == http.MethodHead {
		resp, err := s.Log.ReadStream(r.Context(), doKey, r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadGateway, "unavailable", err.Error())
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		w.Header().Set("Cache-Control", "no-store")
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		return
	}

	entry, outcome, err := s.Cache.Get(key, reqDecision.NoCache, reqDecision.DebugBypass, fetch)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unavailable", err.Error())
		return
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && entry.ETag != "" && ifNoneMatch == entry.ETag {
		w.Header().Set("ETag", entry.ETag)
		w.Header().Set("Cache-Control", "max-age=0")
		if outcome == edgecache.Hit {
			w.Header().Set("X-Cache", "HIT")
		}
		w.WriteHeader(http.StatusNotModified)
		return
	}

	for k, vs := range entry.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	switch outcome {
	case edgecache.Hit:
		w.Header().Set("X-Cache", "HIT")
		s.Metrics.Emit(r.Context(), metrics.Event{Kind: metrics.KindCacheHit, StreamID: streamID})
	case edgecache.Bypass:
		// no X-Cache header on debug-tagged bypass
	case edgecache.NoCacheBypass:
		w.Header().Set("X-Cache", "BYPASS")
	default:
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

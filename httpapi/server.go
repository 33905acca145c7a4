// Package httpapi serves the public v1 REST surface: subscribe/unsubscribe,
// publish, and session lifecycle routes. It is kept separate from the
// devtools RPC App because its routes need httprouter-style path
// parameters (":streamId", ":sessionId") that the Service.Method
// convention doesn't express.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"

	"github.com/relaycore/relaycore/internal/edgecache"
	"github.com/relaycore/relaycore/internal/logclient"
	"github.com/relaycore/relaycore/internal/metrics"
	"github.com/relaycore/relaycore/internal/session"
	"github.com/relaycore/relaycore/internal/subscription"
)

// DefaultProject is used when a request carries no X-Project-Id header.
// Multi-tenant deployments are expected to set it; single-tenant
// deployments can ignore the header entirely. Background processes that
// have no request to read a header from (the cleanup sweeper) must be
// configured with this same value so they scope session/stream
// operations the same way the HTTP layer did when it created them.
const DefaultProject = "default"

var validate = validator.New()

// Server wires the domain components into HTTP handlers.
type Server struct {
	Log           logclient.Client
	Subscriptions *subscription.Registry
	Sessions      *session.Controller
	Metrics       metrics.Sink
	Prom          *metrics.PrometheusSink // optional; nil disables /metrics
	Cache         *edgecache.Cache
	Logger        *slog.Logger
	AuthToken     string
}

// Router builds the httprouter.Router serving every v1 route plus /health.
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()

	r.POST("/v1/subscribe", s.withAuth(s.handleSubscribe))
	r.DELETE("/v1/unsubscribe", s.withAuth(s.handleUnsubscribe))
	r.POST("/v1/publish/:streamId", s.withAuth(s.handlePublish))
	r.GET("/v1/stream/:streamId", s.withAuth(s.handleReadStream))
	r.HEAD("/v1/stream/:streamId", s.withAuth(s.handleReadStream))
	r.GET("/v1/session/:sessionId", s.withAuth(s.handleGetSession))
	r.POST("/v1/session/:sessionId/touch", s.withAuth(s.handleTouchSession))
	r.DELETE("/v1/session/:sessionId", s.withAuth(s.handleDeleteSession))
	r.GET("/health", s.handleHealth)
	if s.Prom != nil {
		r.Handler(http.MethodGet, "/metrics", s.Prom.Handler())
	}

	return r
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) project(r *http.Request) string {
	if p := r.Header.Get("X-Project-Id"); p != "" {
		return p
	}
	return DefaultProject
}

// withAuth enforces a bearer token on every /v1 route when AuthToken is
// configured; a zero-value AuthToken disables auth entirely.
func (s *Server) withAuth(next httprouter.Handle) httprouter.Handle {
	if s.AuthToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.AuthToken {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid bearer token")
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type subscribeRequest struct {
	SessionID   string `json:"sessionId"`
	StreamID    string `json:"streamId" validate:"required"`
	ContentType string `json:"contentType"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	project := s.project(r)
	isNew := req.SessionID == ""
	sessionID := req.SessionID
	if isNew {
		sessionID = session.NewSessionID()
	}

	expiresAt, err := s.Sessions.Touch(r.Context(), project, sessionID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unavailable", err.Error())
		return
	}
	s.Metrics.Emit(r.Context(), metrics.Event{Kind: metrics.KindSessionCreate, SessionID: sessionID, TTL: s.Sessions.TTL()})

	if err := s.Subscriptions.AddSubscriber(r.Context(), project, req.StreamID, sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.Metrics.Emit(r.Context(), metrics.Event{Kind: metrics.KindSubscribe, SessionID: sessionID, StreamID: req.StreamID})

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":         sessionID,
		"streamId":          req.StreamID,
		"sessionStreamPath": logclient.SessionStreamID(sessionID),
		"expiresAt":         expiresAt,
		"isNewSession":      isNew,
	})
}

type unsubscribeRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	StreamID  string `json:"streamId" validate:"required"`
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req unsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	project := s.project(r)
	if err := s.Subscriptions.RemoveSubscriber(r.Context(), project, req.StreamID, req.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.Metrics.Emit(r.Context(), metrics.Event{Kind: metrics.KindUnsubscribe, SessionID: req.SessionID, StreamID: req.StreamID})

	writeJSON(w, http.StatusOK, map[string]bool{"unsubscribed": true})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	streamID := ps.ByName("streamId")
	project := s.project(r)

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "failed to read body")
		return
	}

	var producer *logclient.ProducerID
	if id := r.Header.Get("Producer-Id"); id != "" {
		producer = &logclient.ProducerID{
			ID:    id,
			Epoch: r.Header.Get("Producer-Epoch"),
			Seq:   r.Header.Get("Producer-Seq"),
		}
	}

	env := subscription.PublishEnvelope{
		Payload:     body,
		ContentType: r.Header.Get("Content-Type"),
		Producer:    producer,
	}

	result, err := s.Subscriptions.Publish(r.Context(), project, streamID, env)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unavailable", err.Error())
		return
	}
	if !result.OK {
		w.WriteHeader(result.Status)
		w.Write(result.Body)
		return
	}

	w.Header().Set("X-Fanout-Count", strconv.Itoa(result.FanoutCount))
	w.Header().Set("X-Fanout-Successes", strconv.Itoa(result.FanoutSuccesses))
	w.Header().Set("X-Fanout-Failures", strconv.Itoa(result.FanoutFailures))
	w.Header().Set("X-Stream-Next-Offset", result.NextOffset)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          result.Status,
		"nextOffset":      result.NextOffset,
		"fanoutCount":     result.FanoutCount,
		"fanoutSuccesses": result.FanoutSuccesses,
		"fanoutFailures":  result.FanoutFailures,
		"fanoutMode":      result.FanoutMode,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionId")
	project := s.project(r)

	info, err := s.Sessions.Get(r.Context(), project, sessionID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unavailable", err.Error())
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTouchSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionId")
	project := s.project(r)

	expiresAt, err := s.Sessions.Touch(r.Context(), project, sessionID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unavailable", err.Error())
		return
	}
	s.Metrics.Emit(r.Context(), metrics.Event{Kind: metrics.KindSessionTouch, SessionID: sessionID, TTL: s.Sessions.TTL()})

	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "expiresAt": expiresAt})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionId")
	project := s.project(r)

	if err := s.Sessions.Delete(r.Context(), project, sessionID); err != nil {
		writeError(w, http.StatusBadGateway, "unavailable", err.Error())
		return
	}
	s.Metrics.Emit(r.Context(), metrics.Event{Kind: metrics.KindSessionDelete, SessionID: sessionID})

	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "deleted": true})
}

func readBody(r *http.Request) ([]byte, error) {
	const maxBody = 10 << 20 // 10MiB ceiling on a single publish payload
	r.Body = http.MaxBytesReader(nil, r.Body, maxBody)
	return io.ReadAll(r.Body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "failed to decode body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}


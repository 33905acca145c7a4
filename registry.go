package relaycore

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/relaycore/internal"
)

// App is the central router for the operator-facing admin and devtools
// surface (service/method RPC convention). The public v1 fan-out API is
// served separately by the httpapi package, which needs httprouter-style
// path parameters that this Service.Method convention doesn't express.
type App struct {
	mu                      sync.RWMutex
	routes                  map[string]Endpoint
	errorTransformer        ErrorTransformer
	maskInternalErrors      bool
	interceptors            []UnaryInterceptor
	middlewares             []func(http.Handler) http.Handler
	logger                  *slog.Logger
	maxRequestBodySize      uint64
	streamWriteTimeout      time.Duration
	streamWriteTimeoutIsSet bool
	streamHeartbeat         time.Duration
	streamHeartbeatIsSet    bool
}

const (
	// defaultStreamWriteTimeout is the default timeout for writing SSE events.
	defaultStreamWriteTimeout = 30 * time.Second

	// defaultStreamHeartbeat is the default interval for SSE heartbeat comments.
	defaultStreamHeartbeat = 30 * time.Second
)

// primitiveToHTTPMethod maps a registered primitive to its expected HTTP method.
func primitiveToHTTPMethod(primitive string) string {
	switch primitive {
	case "query", "atom":
		return "GET"
	case "exec", "stream":
		return "POST"
	default:
		return "POST"
	}
}

func NewApp() *App {
	return &App{
		routes:             make(map[string]Endpoint),
		maxRequestBodySize: 1 << 20, // 1MB default
	}
}

// WithErrorTransformer adds a custom error transformer.
func (a *App) WithErrorTransformer(fn ErrorTransformer) *App {
	a.errorTransformer = fn
	return a
}

// WithMaskInternalErrors enables masking of internal error messages in responses.
func (a *App) WithMaskInternalErrors() *App {
	a.maskInternalErrors = true
	return a
}

// WithUnaryInterceptor adds a global interceptor.
//
// Interceptor execution order:
//  1. Global interceptors (App.WithUnaryInterceptor)
//  2. Service interceptors (Service.WithUnaryInterceptor)
//  3. Handler interceptors (Handler.WithUnaryInterceptor)
//  4. Handler function
func (a *App) WithUnaryInterceptor(i UnaryInterceptor) *App {
	a.interceptors = append(a.interceptors, i)
	return a
}

// WithMiddleware adds an HTTP middleware to wrap the app.
// Middleware is applied in the order added (first added is outermost).
func (a *App) WithMiddleware(mw func(http.Handler) http.Handler) *App {
	a.middlewares = append(a.middlewares, mw)
	return a
}

// WithLogger sets a custom logger for the app. Defaults to slog.Default().
func (a *App) WithLogger(logger *slog.Logger) *App {
	a.logger = logger
	return a
}

// WithMaxRequestBodySize sets the default maximum request body size for all handlers.
// A value of 0 means no limit. Default is 1MB.
func (a *App) WithMaxRequestBodySize(size uint64) *App {
	a.maxRequestBodySize = size
	return a
}

// WithStreamWriteTimeout sets the default timeout for writing SSE events.
// Default is 30 seconds. Use 0 to disable.
func (a *App) WithStreamWriteTimeout(d time.Duration) *App {
	a.streamWriteTimeout = d
	a.streamWriteTimeoutIsSet = true
	return a
}

func (a *App) getStreamWriteTimeout() time.Duration {
	if a.streamWriteTimeoutIsSet {
		return a.streamWriteTimeout
	}
	return defaultStreamWriteTimeout
}

// WithStreamHeartbeat sets the default interval for SSE heartbeat comments.
// Default is 30 seconds. Use 0 to disable.
func (a *App) WithStreamHeartbeat(d time.Duration) *App {
	a.streamHeartbeat = d
	a.streamHeartbeatIsSet = true
	return a
}

func (a *App) getStreamHeartbeat() time.Duration {
	if a.streamHeartbeatIsSet {
		return a.streamHeartbeat
	}
	return defaultStreamHeartbeat
}

// Handler returns an http.Handler for use with http.ListenAndServe, wrapped
// with all configured middleware.
func (a *App) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(a.serveHTTP)
	for i := len(a.middlewares) - 1; i >= 0; i-- {
		h = a.middlewares[i](h)
	}
	return h
}

// Service returns a Service namespace under this App.
func (a *App) Service(name string) *Service {
	return &Service{
		registry: a,
		name:     name,
	}
}

// Routes returns a snapshot of registered route metadata, keyed by
// "Service.Method". Used by the devtools Status endpoint.
func (a *App) Routes() internal.RouteMap {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(internal.RouteMap, len(a.routes))
	for key, ep := range a.routes {
		meta := ep.Metadata()
		meta.Name = key
		out[key] = meta
	}
	return out
}

// serveHTTP handles incoming requests under the Service.Method path convention.
func (a *App) serveHTTP(w http.ResponseWriter, req *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			logger := a.logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("panic recovered",
				"panic", rec,
				"stack", string(stack))
			writeError(w, NewError(CodeInternal, fmt.Sprintf("internal server error (panic): %v", rec)), a.logger)
		}
	}()

	path := strings.TrimPrefix(req.URL.Path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 {
		writeError(w, NewError(CodeNotFound, "route not found"), a.logger)
		return
	}

	service, method := parts[0], parts[1]
	key := service + "." + method

	a.mu.RLock()
	handler, ok := a.routes[key]
	a.mu.RUnlock()

	if !ok {
		writeError(w, NewError(CodeNotFound, "route not found"), a.logger)
		return
	}

	h, ok := handler.(endpointHandler)
	if !ok {
		writeError(w, NewError(CodeInternal, "invalid handler type"), a.logger)
		return
	}

	meta := h.metadata()
	expectedMethod := primitiveToHTTPMethod(meta.Primitive)
	if req.Method != expectedMethod {
		writeError(w, Errorf(CodeMethodNotAllowed, "method %s not allowed, expected %s", req.Method, expectedMethod), a.logger)
		return
	}

	ctx := newContext(req.Context(), w, req, key, nil)
	ctx.errorTransformer = a.errorTransformer
	ctx.maskInternalErrors = a.maskInternalErrors
	ctx.interceptors = a.interceptors
	ctx.logger = a.logger
	ctx.maxRequestBodySize = a.maxRequestBodySize
	ctx.streamWriteTimeout = a.getStreamWriteTimeout()
	ctx.streamHeartbeat = a.getStreamHeartbeat()

	h.serveHTTP(ctx)
}

// Service is a namespace for a related group of RPC methods, e.g. "Devtools".
type Service struct {
	registry     *App
	name         string
	interceptors []UnaryInterceptor
}

// WithUnaryInterceptor adds an interceptor to this service.
// Service interceptors execute after global interceptors but before handler interceptors.
func (s *Service) WithUnaryInterceptor(i UnaryInterceptor) *Service {
	s.interceptors = append(s.interceptors, i)
	return s
}

// Register registers a handler for the given method name. If a handler is
// already registered for this service and method, it is replaced and a
// warning is logged.
func (s *Service) Register(name string, handler Endpoint) {
	h, ok := handler.(endpointHandler)
	if !ok {
		panic("relaycore: handler must be created with Exec(), Query(), Stream(), or Atom().Handler()")
	}

	key := s.name + "." + name
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	if _, exists := s.registry.routes[key]; exists {
		logger := s.registry.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("duplicate route registration",
			"service", s.name,
			"method", name,
			"route", key)
	}

	s.registry.routes[key] = &serviceWrappedHandler{
		inner:        h,
		interceptors: s.interceptors,
	}
}

type serviceWrappedHandler struct {
	inner        endpointHandler
	interceptors []UnaryInterceptor
}

func (h *serviceWrappedHandler) serveHTTP(ctx *Context) {
	combined := make([]UnaryInterceptor, 0, len(ctx.interceptors)+len(h.interceptors))
	combined = append(combined, ctx.interceptors...)
	combined = append(combined, h.interceptors...)
	ctx.interceptors = combined

	h.inner.serveHTTP(ctx)
}

func (h *serviceWrappedHandler) metadata() *internal.MethodMetadata {
	return h.inner.metadata()
}

func (h *serviceWrappedHandler) Metadata() *internal.MethodMetadata {
	return h.inner.Metadata()
}

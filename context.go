package relaycore

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaycore/relaycore/internal/rpccontext"
)

// Context provides type-safe access to route metadata and HTTP primitives.
// It embeds context.Context, so it can be used anywhere a context.Context is
// expected.
//
// Interceptors receive *Context directly for convenient access to request
// metadata. Handlers receive context.Context but can use FromContext to get
// the *Context if needed.
type Context struct {
	context.Context
	route   string
	request *http.Request
	writer  http.ResponseWriter
	params  map[string]string

	// Internal fields threaded through by the framework for handler execution.
	errorTransformer   ErrorTransformer
	maskInternalErrors bool
	interceptors       []UnaryInterceptor
	logger             *slog.Logger
	maxRequestBodySize uint64
	streamWriteTimeout time.Duration
	streamHeartbeat    time.Duration
}

// Route returns the registered route being served, as its "Service.Method" key, e.g. "Devtools.Ping".
func (c *Context) Route() string { return c.route }

// EndpointID returns a short identifier for the current endpoint, suitable for
// log fields and metrics labels.
func (c *Context) EndpointID() string { return c.route }

// Param returns a named path parameter captured by the router, or "" if absent.
func (c *Context) Param(name string) string { return c.params[name] }

// HTTPRequest returns the underlying HTTP request.
func (c *Context) HTTPRequest() *http.Request { return c.request }

// HTTPWriter returns the underlying HTTP response writer.
// Use with caution in handlers - prefer returning errors to writing directly.
// This is useful for setting response headers.
func (c *Context) HTTPWriter() http.ResponseWriter { return c.writer }

// Logger returns the configured logger, falling back to slog.Default().
func (c *Context) Logger() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// FromContext extracts the *Context from a context.Context.
// Returns the Context and true if found, or nil and false otherwise.
func FromContext(ctx context.Context) (*Context, bool) {
	v := ctx.Value(rpccontext.ContextKey)
	if v == nil {
		return nil, false
	}

	if tc, ok := v.(*Context); ok {
		return tc, true
	}

	if rc, ok := v.(*rpccontext.Context); ok {
		return &Context{
			Context: rc.Context,
			route:   rc.Route,
			request: rc.Request,
			writer:  rc.Writer,
			params:  rc.Params,
		}, true
	}

	return nil, false
}

// NewContext creates a Context for testing interceptors and handlers.
// In production code, the framework creates contexts automatically.
func NewContext(parent context.Context, route string, params map[string]string) *Context {
	return newContext(parent, nil, nil, route, params)
}

// newContext creates a new Context with all fields.
func newContext(parent context.Context, w http.ResponseWriter, r *http.Request, route string, params map[string]string) *Context {
	ctx := &Context{
		route:   route,
		request: r,
		writer:  w,
		params:  params,
	}
	ctx.Context = context.WithValue(parent, rpccontext.ContextKey, ctx)
	return ctx
}

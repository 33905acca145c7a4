// Package rpccontext provides the shared context key and mirror type used to
// bridge relaycore.Context across package boundaries without import cycles.
package rpccontext

import (
	"context"
	"net/http"
)

// ContextKey is the key under which a relaycore.Context stores itself.
// Exported so internal packages (and test helpers) can construct
// request.Context values that relaycore.FromContext recognizes.
var ContextKey = &struct{ name string }{"relaycore"}

// Context mirrors relaycore.Context's fields for use by packages that cannot
// import relaycore directly.
type Context struct {
	context.Context
	Route   string
	Request *http.Request
	Writer  http.ResponseWriter
	Params  map[string]string
}

// New creates a context carrying RPC/route metadata, compatible with
// relaycore.FromContext.
func New(parent context.Context, w http.ResponseWriter, r *http.Request, route string, params map[string]string) *Context {
	ctx := &Context{
		Route:   route,
		Request: r,
		Writer:  w,
		Params:  params,
	}
	ctx.Context = context.WithValue(parent, ContextKey, ctx)
	return ctx
}

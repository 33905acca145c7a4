package relaycore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/schema"
	"github.com/relaycore/relaycore/internal"
)

var _ context.Context = (*Context)(nil)

var (
	validate            = validator.New()
	schemaDecoder       = schema.NewDecoder() // lenient: ignores unknown keys
	strictSchemaDecoder = schema.NewDecoder() // strict: errors on unknown keys
)

func init() {
	schemaDecoder.IgnoreUnknownKeys(true)
	strictSchemaDecoder.IgnoreUnknownKeys(false)
}

// Endpoint is the interface for handlers that can be registered with [Service.Register].
//
// Implementations:
//   - [*ExecHandler] - for POST requests (created with [Exec])
//   - [*QueryHandler] - for GET requests (created with [Query])
//   - [*StreamHandler] - for SSE requests (created with [Stream])
//   - [*AtomHandler] - for SSE state broadcasts (created with [Atom.Handler])
type Endpoint interface {
	// Metadata returns route metadata, used by the devtools Status endpoint
	// to report registered routes.
	Metadata() *internal.MethodMetadata
}

// endpointHandler is the internal interface used by the framework to serve requests.
type endpointHandler interface {
	Endpoint
	serveHTTP(ctx *Context)
	metadata() *internal.MethodMetadata
}

// handlerBase contains common configuration shared by ExecHandler and QueryHandler.
type handlerBase[Req any, Res any] struct {
	fn             func(context.Context, Req) (Res, error)
	interceptors   []UnaryInterceptor
	skipValidation bool
}

// ExecHandler implements Endpoint for POST requests (state-changing operations).
//
// Example:
//
//	func TouchSession(ctx context.Context, req *TouchSessionRequest) (*TouchSessionResponse, error) { ... }
//	Exec(TouchSession)
type ExecHandler[Req any, Res any] struct {
	handlerBase[Req, Res]
	maxRequestBodySize *uint64 // nil means use registry default
}

// Exec creates a new POST handler from a generic function for non-streaming API calls.
//
// The handler function signature is func(context.Context, Req) (Res, error).
// Requests are decoded from JSON body.
func Exec[Req any, Res any](fn func(context.Context, Req) (Res, error)) *ExecHandler[Req, Res] {
	return &ExecHandler[Req, Res]{
		handlerBase: handlerBase[Req, Res]{
			fn: fn,
		},
	}
}

// QueryHandler implements Endpoint for GET requests (cacheable read operations).
//
// Example:
//
//	func InfoQuery(ctx context.Context, req InfoRequest) (*InfoResponse, error) { ... }
//	Query(InfoQuery).CacheControl(relaycore.CacheConfig{MaxAge: 5 * time.Second})
type QueryHandler[Req any, Res any] struct {
	handlerBase[Req, Res]
	cacheConfig       *CacheConfig
	strictQueryParams bool
}

// CacheConfig defines HTTP cache directives for GET requests.
// See RFC 9111 (HTTP Caching) for detailed semantics.
//
// These directives only shape the Cache-Control header a QueryHandler
// writes. The edge read cache (internal/edgecache) applies its own store
// policy and does not read them.
type CacheConfig struct {
	// MaxAge specifies the maximum time a resource is considered fresh (RFC 9111 Section 5.2.2.1).
	MaxAge time.Duration

	// SMaxAge is like MaxAge but only applies to shared caches (RFC 9111 Section 5.2.2.10).
	SMaxAge time.Duration

	// StaleWhileRevalidate allows serving stale content while revalidating in the background (RFC 5861).
	StaleWhileRevalidate time.Duration

	// StaleIfError allows serving stale content if the origin is unavailable (RFC 5861).
	StaleIfError time.Duration

	// Public indicates the response may be cached by any cache, including CDNs (RFC 9111 Section 5.2.2.9).
	Public bool

	// MustRevalidate requires caches to revalidate stale responses with the origin (RFC 9111 Section 5.2.2.2).
	MustRevalidate bool

	// Immutable indicates the response will never change during its freshness lifetime (RFC 8246).
	Immutable bool
}

// Query creates a new GET handler from a generic function for cacheable read operations.
// Requests are decoded from URL query parameters.
func Query[Req any, Res any](fn func(context.Context, Req) (Res, error)) *QueryHandler[Req, Res] {
	return &QueryHandler[Req, Res]{
		handlerBase: handlerBase[Req, Res]{
			fn: fn,
		},
	}
}

// CacheControl sets detailed HTTP cache directives for the handler.
func (h *QueryHandler[Req, Res]) CacheControl(cfg CacheConfig) *QueryHandler[Req, Res] {
	h.cacheConfig = &cfg
	return h
}

// WithStrictQueryParams enables strict query parameter validation for GET requests.
func (h *QueryHandler[Req, Res]) WithStrictQueryParams() *QueryHandler[Req, Res] {
	h.strictQueryParams = true
	return h
}

// WithMaxRequestBodySize sets the maximum request body size for this handler.
// This overrides the registry-level default. A value of 0 means no limit.
func (h *ExecHandler[Req, Res]) WithMaxRequestBodySize(size uint64) *ExecHandler[Req, Res] {
	h.maxRequestBodySize = &size
	return h
}

// WithUnaryInterceptor adds an interceptor to this handler.
func (h *ExecHandler[Req, Res]) WithUnaryInterceptor(i UnaryInterceptor) *ExecHandler[Req, Res] {
	h.interceptors = append(h.interceptors, i)
	return h
}

// WithUnaryInterceptor adds an interceptor to this handler.
func (h *QueryHandler[Req, Res]) WithUnaryInterceptor(i UnaryInterceptor) *QueryHandler[Req, Res] {
	h.interceptors = append(h.interceptors, i)
	return h
}

// WithSkipValidation disables validation for this handler.
func (h *ExecHandler[Req, Res]) WithSkipValidation() *ExecHandler[Req, Res] {
	h.skipValidation = true
	return h
}

// WithSkipValidation disables validation for this handler.
func (h *QueryHandler[Req, Res]) WithSkipValidation() *QueryHandler[Req, Res] {
	h.skipValidation = true
	return h
}

// Metadata implements [Endpoint].
func (h *ExecHandler[Req, Res]) Metadata() *internal.MethodMetadata {
	var req Req
	var res Res
	return &internal.MethodMetadata{
		Primitive:  "exec",
		HTTPMethod: "POST",
		Request:    reflect.TypeOf(req),
		Response:   reflect.TypeOf(res),
	}
}

// Metadata implements [Endpoint].
func (h *QueryHandler[Req, Res]) Metadata() *internal.MethodMetadata {
	var req Req
	var res Res
	return &internal.MethodMetadata{
		Primitive:  "query",
		HTTPMethod: "GET",
		Request:    reflect.TypeOf(req),
		Response:   reflect.TypeOf(res),
	}
}

func (h *ExecHandler[Req, Res]) metadata() *internal.MethodMetadata { return h.Metadata() }
func (h *QueryHandler[Req, Res]) metadata() *internal.MethodMetadata { return h.Metadata() }

// getCacheControlHeader builds the Cache-Control header value from the cache config.
// Returns empty string if no cache config is set.
func (h *QueryHandler[Req, Res]) getCacheControlHeader() string {
	if h.cacheConfig == nil {
		return ""
	}

	cfg := h.cacheConfig
	var parts []string

	if cfg.Public {
		parts = append(parts, "public")
	} else {
		parts = append(parts, "private")
	}

	if cfg.MaxAge > 0 {
		parts = append(parts, fmt.Sprintf("max-age=%d", int(cfg.MaxAge.Seconds())))
	}
	if cfg.SMaxAge > 0 {
		parts = append(parts, fmt.Sprintf("s-maxage=%d", int(cfg.SMaxAge.Seconds())))
	}
	if cfg.StaleWhileRevalidate > 0 {
		parts = append(parts, fmt.Sprintf("stale-while-revalidate=%d", int(cfg.StaleWhileRevalidate.Seconds())))
	}
	if cfg.StaleIfError > 0 {
		parts = append(parts, fmt.Sprintf("stale-if-error=%d", int(cfg.StaleIfError.Seconds())))
	}
	if cfg.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	if cfg.Immutable {
		parts = append(parts, "immutable")
	}

	if len(parts) == 0 {
		return ""
	}

	result := parts[0]
	for i := 1; i < len(parts); i++ {
		result += ", " + parts[i]
	}
	return result
}

// serveHTTP implements the API handler for GET requests with caching support.
func (h *QueryHandler[Req, Res]) serveHTTP(ctx *Context) {
	decoder := func() (Req, error) {
		var req Req
		decoder := schemaDecoder
		if h.strictQueryParams {
			decoder = strictSchemaDecoder
		}

		reqType := reflect.TypeOf(req)
		if reqType.Kind() == reflect.Pointer {
			val := reflect.New(reqType.Elem())
			if err := decoder.Decode(val.Interface(), ctx.request.URL.Query()); err != nil {
				return req, Errorf(CodeInvalidArgument, "failed to decode query: %v", err)
			}
			req = val.Interface().(Req)
		} else {
			if err := decoder.Decode(&req, ctx.request.URL.Query()); err != nil {
				return req, Errorf(CodeInvalidArgument, "failed to decode query: %v", err)
			}
		}
		return req, nil
	}
	h.serve(ctx, h.getCacheControlHeader(), decoder)
}

// serveHTTP implements the API handler for POST requests.
func (h *ExecHandler[Req, Res]) serveHTTP(ctx *Context) {
	decoder := func() (Req, error) {
		var req Req
		if ctx.request.Body != nil {
			effectiveLimit := ctx.maxRequestBodySize
			if h.maxRequestBodySize != nil {
				effectiveLimit = *h.maxRequestBodySize
			}
			if effectiveLimit > 0 {
				ctx.request.Body = http.MaxBytesReader(ctx.writer, ctx.request.Body, int64(effectiveLimit))
			}
			if err := json.NewDecoder(ctx.request.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				return req, Errorf(CodeInvalidArgument, "failed to decode body: %v", err)
			}
		}
		if t := reflect.TypeOf(req); t != nil && t.Kind() == reflect.Pointer && reflect.ValueOf(req).IsNil() {
			req = reflect.New(t.Elem()).Interface().(Req)
		}
		return req, nil
	}
	h.serve(ctx, "", decoder)
}

// serve implements the generic glue code for both ExecHandler and QueryHandler.
func (h *handlerBase[Req, Res]) serve(ctx *Context, cacheControl string, decodeFunc func() (Req, error)) {
	allInterceptors := make([]UnaryInterceptor, 0, len(ctx.interceptors)+len(h.interceptors))
	allInterceptors = append(allInterceptors, ctx.interceptors...)
	allInterceptors = append(allInterceptors, h.interceptors...)

	chain := chainInterceptors(allInterceptors)

	req, decodeErr := func() (Req, error) {
		req, err := decodeFunc()
		if err != nil {
			return req, err
		}

		if !h.skipValidation {
			if err := validate.Struct(req); err != nil {
				return req, err
			}
		}
		return req, nil
	}()

	if decodeErr != nil {
		handleError(ctx, decodeErr)
		return
	}

	finalHandler := func(c context.Context, reqAny any) (any, error) {
		reqTyped, ok := reqAny.(Req)
		if !ok {
			return nil, Errorf(CodeInternal, "interceptor modified request type incorrectly")
		}
		return h.fn(c, reqTyped)
	}

	var res any
	var err error

	if chain != nil {
		info := &RPCInfo{Route: ctx.Route()}
		res, err = chain(ctx, req, info, finalHandler)
	} else {
		res, err = finalHandler(ctx, req)
	}

	if err != nil {
		handleError(ctx, err)
		return
	}

	ctx.writer.Header().Set("Content-Type", "application/json")
	if cacheControl != "" {
		ctx.writer.Header().Set("Cache-Control", cacheControl)
	}

	if err := encodeResponse(ctx.writer, res); err != nil {
		ctx.Logger().Error("failed to encode response",
			"endpoint", ctx.EndpointID(),
			"error", err)
	}
}

func handleError(ctx *Context, err error) {
	var svcErr *Error
	if ctx.errorTransformer != nil {
		svcErr = ctx.errorTransformer(err)
	}
	if svcErr == nil {
		svcErr = DefaultErrorTransformer(err)
	}
	if ctx.maskInternalErrors && svcErr.Code == CodeInternal {
		svcErr.Message = "internal server error"
	}
	writeError(ctx.writer, svcErr, ctx.logger)
}

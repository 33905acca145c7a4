package relaycore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/relaycore/relaycore/internal"
)

// ErrStreamClosed is returned by Emitter.Send when the client has disconnected
// or the stream has been closed. Handlers should return when they receive this error.
var ErrStreamClosed = errors.New("stream closed")

// ErrWriteTimeout is returned by Emitter.Send when a write to the client timed out.
var ErrWriteTimeout = errors.New("write timeout")

// Emitter sends events to a streaming client of a [Stream] handler. The
// devtools Watch endpoint is an [AtomHandler] and does not use it; the
// public fan-out wire protocol is served by the downstream log service and
// isn't modeled here.
type Emitter[T any] interface {
	// Send sends an event to the client.
	Send(event T) error

	// SendWithID sends an event with an SSE event ID, allowing clients to
	// resume from this point via the Last-Event-ID header on reconnect.
	SendWithID(id string, event T) error

	// LastEventID returns the client's Last-Event-ID header value, or "" if absent.
	LastEventID() string
}

// emitter is the concrete implementation of Emitter used by the framework.
type emitter[T any] struct {
	yieldAny    func(any, error) bool
	ctx         context.Context
	lastEventID string
}

type lastEventIDKey struct{}

func withLastEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, lastEventIDKey{}, id)
}

func getLastEventID(ctx context.Context) string {
	if id, ok := ctx.Value(lastEventIDKey{}).(string); ok {
		return id
	}
	return ""
}

// sseEvent wraps an event with an optional SSE event ID.
type sseEvent struct {
	id    string
	event any
}

func (e *emitter[T]) Send(event T) error {
	return e.sendWithOptionalID("", event)
}

func (e *emitter[T]) SendWithID(id string, event T) error {
	return e.sendWithOptionalID(id, event)
}

func (e *emitter[T]) sendWithOptionalID(id string, event T) error {
	select {
	case <-e.ctx.Done():
		return fmt.Errorf("%w: %w", ErrStreamClosed, e.ctx.Err())
	default:
	}

	var toYield any = event
	if id != "" {
		toYield = sseEvent{id: id, event: event}
	}

	if !e.yieldAny(toYield, nil) {
		return ErrStreamClosed
	}
	return nil
}

func (e *emitter[T]) LastEventID() string {
	return e.lastEventID
}

// StreamHandler implements Endpoint for SSE streaming responses.
//
// Stream handlers return an iterator that yields events to the client.
// The connection stays open until the iterator is exhausted, an error
// occurs, or the client disconnects.
type StreamHandler[Req any, Res any] struct {
	fn                 func(context.Context, Req) iter.Seq2[Res, error]
	fnAny              func(context.Context, Req) iter.Seq2[any, error]
	unaryInterceptors  []UnaryInterceptor
	streamInterceptors []StreamInterceptor
	skipValidation     bool
	maxRequestBodySize *uint64
	writeTimeout       time.Duration
	heartbeatInterval  time.Duration
}

// streamIter2 creates a streaming handler from a raw iterator function.
// Kept for composition with iterator-returning internals; Stream is the
// public entry point.
func streamIter2[Req any, Res any](fn func(context.Context, Req) iter.Seq2[Res, error]) *StreamHandler[Req, Res] {
	return &StreamHandler[Req, Res]{
		fn: fn,
	}
}

// Stream creates a new SSE streaming handler from a callback function.
//
// The handler receives an [Emitter] to send events to the client. Emitter.Send
// returns an error when the stream should stop: client disconnect, context
// cancellation, or a write failure. All disconnect-related errors satisfy
// errors.Is(err, [ErrStreamClosed]).
//
//	func Tail(ctx context.Context, req relaycore.Empty, e relaycore.Emitter[FanoutEvent]) error {
//	    for ev := range fanoutLog.Subscribe(ctx) {
//	        if err := e.Send(ev); err != nil {
//	            return err
//	        }
//	    }
//	    return nil
//	}
func Stream[Req any, Res any](fn func(context.Context, Req, Emitter[Res]) error) *StreamHandler[Req, Res] {
	iterFn := func(ctx context.Context, req Req) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			e := &emitter[Res]{
				yieldAny:    yield,
				ctx:         ctx,
				lastEventID: getLastEventID(ctx),
			}

			err := fn(ctx, req, e)

			if err != nil && !errors.Is(err, ErrStreamClosed) {
				yield(nil, err)
			}
		}
	}
	return &StreamHandler[Req, Res]{
		fnAny: iterFn,
	}
}

// WithUnaryInterceptor adds an interceptor that runs during stream setup,
// before the stream response exists. Useful for auth checks.
func (h *StreamHandler[Req, Res]) WithUnaryInterceptor(i UnaryInterceptor) *StreamHandler[Req, Res] {
	h.unaryInterceptors = append(h.unaryInterceptors, i)
	return h
}

// WithStreamInterceptor adds an interceptor that wraps the event stream.
func (h *StreamHandler[Req, Res]) WithStreamInterceptor(i StreamInterceptor) *StreamHandler[Req, Res] {
	h.streamInterceptors = append(h.streamInterceptors, i)
	return h
}

// WithSkipValidation disables request validation for this handler.
func (h *StreamHandler[Req, Res]) WithSkipValidation() *StreamHandler[Req, Res] {
	h.skipValidation = true
	return h
}

// WithMaxRequestBodySize sets the maximum request body size for this handler.
func (h *StreamHandler[Req, Res]) WithMaxRequestBodySize(size uint64) *StreamHandler[Req, Res] {
	h.maxRequestBodySize = &size
	return h
}

// WithWriteTimeout sets the timeout for writing each event to the client.
// A zero duration (the default) keeps the App-level stream write timeout.
func (h *StreamHandler[Req, Res]) WithWriteTimeout(d time.Duration) *StreamHandler[Req, Res] {
	h.writeTimeout = d
	return h
}

// WithHeartbeat sets the interval for sending SSE heartbeat comments.
// A zero duration (the default) keeps the App-level heartbeat interval.
func (h *StreamHandler[Req, Res]) WithHeartbeat(d time.Duration) *StreamHandler[Req, Res] {
	h.heartbeatInterval = d
	return h
}

// Metadata implements [Endpoint].
func (h *StreamHandler[Req, Res]) Metadata() *internal.MethodMetadata {
	var req Req
	var res Res
	return &internal.MethodMetadata{
		Primitive: "stream",
		Request:   reflect.TypeOf(req),
		Response:  reflect.TypeOf(res),
	}
}

func (h *StreamHandler[Req, Res]) metadata() *internal.MethodMetadata { return h.Metadata() }

// serveHTTP implements the SSE streaming handler.
func (h *StreamHandler[Req, Res]) serveHTTP(ctx *Context) {
	req, decodeErr := h.decodeRequest(ctx)
	if decodeErr != nil {
		handleError(ctx, decodeErr)
		return
	}

	if setupErr := h.runSetupInterceptors(ctx, req); setupErr != nil {
		handleError(ctx, setupErr)
		return
	}

	ctx.writer.Header().Set("Content-Type", "text/event-stream")
	ctx.writer.Header().Set("Cache-Control", "no-cache")
	ctx.writer.Header().Set("Connection", "keep-alive")
	ctx.writer.Header().Set("X-Accel-Buffering", "no")

	lastEventID := ctx.request.Header.Get("Last-Event-ID")
	ctxWithID := withLastEventID(ctx, lastEventID)

	var anyIter iter.Seq2[any, error]
	if h.fnAny != nil {
		anyIter = h.fnAny(ctxWithID, req)
	} else {
		baseIter := h.fn(ctxWithID, req)
		anyIter = func(yield func(any, error) bool) {
			for v, err := range baseIter {
				if !yield(v, err) {
					return
				}
			}
		}
	}

	finalIter := h.wrapWithStreamInterceptors(ctx, req, anyIter)

	h.streamEvents(ctx, finalIter)
}

func (h *StreamHandler[Req, Res]) decodeRequest(ctx *Context) (Req, error) {
	var req Req
	if ctx.request.Body != nil {
		effectiveLimit := ctx.maxRequestBodySize
		if h.maxRequestBodySize != nil {
			effectiveLimit = *h.maxRequestBodySize
		}
		if effectiveLimit > 0 {
			ctx.request.Body = http.MaxBytesReader(ctx.writer, ctx.request.Body, int64(effectiveLimit))
		}
		if err := json.NewDecoder(ctx.request.Body).Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				return req, Errorf(CodeInvalidArgument, "failed to decode body: %v", err)
			}
		}
	}

	if !h.skipValidation {
		_, isEmptyType := any(req).(Empty)
		if !isEmptyType {
			if err := validate.Struct(req); err != nil {
				return req, err
			}
		}
	}
	return req, nil
}

func (h *StreamHandler[Req, Res]) runSetupInterceptors(ctx *Context, req Req) error {
	allInterceptors := make([]UnaryInterceptor, 0, len(ctx.interceptors)+len(h.unaryInterceptors))
	allInterceptors = append(allInterceptors, ctx.interceptors...)
	allInterceptors = append(allInterceptors, h.unaryInterceptors...)

	if len(allInterceptors) == 0 {
		return nil
	}

	chain := chainInterceptors(allInterceptors)
	noopHandler := func(ctx context.Context, req any) (any, error) {
		return nil, nil
	}

	info := &RPCInfo{Route: ctx.Route()}
	_, err := chain(ctx, req, info, noopHandler)
	return err
}

func (h *StreamHandler[Req, Res]) wrapWithStreamInterceptors(ctx *Context, req Req, anyIter iter.Seq2[any, error]) iter.Seq2[any, error] {
	allInterceptors := h.streamInterceptors
	if len(allInterceptors) == 0 {
		return anyIter
	}

	chain := chainStreamInterceptors(allInterceptors)
	finalHandler := func(ctx context.Context, req any) iter.Seq2[any, error] {
		return anyIter
	}

	return chain(ctx, req, finalHandler)
}

func (h *StreamHandler[Req, Res]) streamEvents(ctx *Context, events iter.Seq2[any, error]) {
	flusher, ok := ctx.writer.(http.Flusher)
	if !ok {
		handleError(ctx, NewError(CodeInternal, "streaming not supported"))
		return
	}

	flusher.Flush()

	logger := ctx.Logger()

	writeTimeout := ctx.streamWriteTimeout
	if h.writeTimeout > 0 {
		writeTimeout = h.writeTimeout
	}

	heartbeatInterval := ctx.streamHeartbeat
	if h.heartbeatInterval > 0 {
		heartbeatInterval = h.heartbeatInterval
	}

	var rc *http.ResponseController
	if writeTimeout > 0 {
		rc = http.NewResponseController(ctx.writer)
	}

	type eventItem struct {
		event any
		err   error
	}
	eventCh := make(chan eventItem)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(eventCh)
		for event, err := range events {
			select {
			case eventCh <- eventItem{event, err}:
			case <-done:
				return
			}
		}
	}()

	var heartbeat <-chan time.Time
	if heartbeatInterval > 0 {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.request.Context().Done():
			return

		case <-heartbeat:
			if _, err := fmt.Fprint(ctx.writer, ": heartbeat\n\n"); err != nil {
				if !isClientDisconnect(err) {
					logger.Error("failed to write heartbeat",
						"endpoint", ctx.EndpointID(),
						"error", err)
				}
				return
			}
			flusher.Flush()

		case item, ok := <-eventCh:
			if !ok {
				return
			}

			if item.err != nil {
				h.writeSSEError(ctx.writer, item.err, logger)
				flusher.Flush()
				return
			}

			if rc != nil {
				if deadlineErr := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); deadlineErr != nil {
					logger.Warn("write deadline not supported",
						"endpoint", ctx.EndpointID(),
						"error", deadlineErr)
					rc = nil
				}
			}

			if writeErr := h.writeSSEEvent(ctx.writer, item.event); writeErr != nil {
				if isClientDisconnect(writeErr) {
					logger.Debug("client disconnected during write",
						"endpoint", ctx.EndpointID())
				} else {
					logger.Error("failed to write SSE event",
						"endpoint", ctx.EndpointID(),
						"error", writeErr)
				}
				return
			}

			if rc != nil {
				rc.SetWriteDeadline(time.Time{})
			}

			flusher.Flush()
		}
	}
}

// isClientDisconnect checks if an error indicates the client has disconnected.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return errors.Is(err, context.Canceled) ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "client disconnected")
}

func (h *StreamHandler[Req, Res]) writeSSEEvent(w http.ResponseWriter, event any) error {
	var eventID string
	if evt, ok := event.(sseEvent); ok {
		eventID = evt.id
		event = evt.event
	}

	envelope := response{Result: event}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if eventID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", eventID); err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (h *StreamHandler[Req, Res]) writeSSEError(w http.ResponseWriter, err error, logger *slog.Logger) {
	svcErr := DefaultErrorTransformer(err)

	envelope := errorResponse{Error: svcErr}
	data, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		logger.Error("failed to marshal SSE error",
			"original_error", err,
			"marshal_error", marshalErr)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// StreamHandlerFunc represents the next handler in a stream interceptor chain.
type StreamHandlerFunc func(ctx context.Context, req any) iter.Seq2[any, error]

// StreamInterceptor wraps the entire event stream rather than a single
// request/response. Useful for stream-lifecycle logging or rate limiting.
type StreamInterceptor func(ctx *Context, req any, handler StreamHandlerFunc) iter.Seq2[any, error]

// chainStreamInterceptors combines multiple stream interceptors into one.
func chainStreamInterceptors(interceptors []StreamInterceptor) StreamInterceptor {
	if len(interceptors) == 0 {
		return nil
	}
	if len(interceptors) == 1 {
		return interceptors[0]
	}
	return func(ctx *Context, req any, handler StreamHandlerFunc) iter.Seq2[any, error] {
		var chain StreamHandlerFunc = handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			current := interceptors[i]
			next := chain
			chain = func(c context.Context, r any) iter.Seq2[any, error] {
				rcCtx, ok := c.(*Context)
				if !ok {
					rcCtx, _ = FromContext(c)
				}
				return current(rcCtx, r, next)
			}
		}
		return chain(ctx, req)
	}
}

package relaycore

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/relaycore/relaycore/internal"
)

// Atom holds a single value that can be read, written, and subscribed to.
// Updates are broadcast to all subscribers via SSE streaming.
// Thread-safe for concurrent Get/Set operations.
//
// Unlike event streams, Atom represents current state - subscribers always
// receive the latest value, and intermediate updates may be skipped if a
// subscriber is slow.
//
// The cleanup sweeper publishes its run result into an Atom[cleanup.Result]
// after each pass, and devtools exposes it as a "Watch" SSE endpoint so an
// operator can tail sweep activity without polling.
//
//	watch := relaycore.NewAtom(cleanup.Result{})
//	devtoolsSvc.Register("Watch", watch.Handler())
//	// later, after each sweep:
//	watch.Set(cleanup.Result{ExpiredFound: n, SessionsClosed: m, Failures: errs})
type Atom[T any] struct {
	mu          sync.RWMutex
	value       T
	bytes       json.RawMessage // pre-serialized for efficient broadcast
	subscribers map[int64]chan json.RawMessage
	nextSubID   int64
}

// NewAtom creates a new Atom with the given initial value.
func NewAtom[T any](initial T) *Atom[T] {
	a := &Atom[T]{
		value:       initial,
		subscribers: make(map[int64]chan json.RawMessage),
	}
	a.bytes, _ = json.Marshal(initial)
	return a
}

// Get returns the current value.
func (a *Atom[T]) Get() T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

// Set updates the value and broadcasts it to all subscribers.
func (a *Atom[T]) Set(value T) {
	data, err := json.Marshal(value)
	if err != nil {
		a.mu.Lock()
		a.value = value
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	a.value = value
	a.bytes = data
	subs := make([]chan json.RawMessage, 0, len(a.subscribers))
	for _, ch := range a.subscribers {
		subs = append(subs, ch)
	}
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- data:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
		}
	}
}

// Update atomically applies fn to the current value.
func (a *Atom[T]) Update(fn func(T) T) {
	a.mu.Lock()
	newValue := fn(a.value)
	a.mu.Unlock()
	a.Set(newValue)
}

// Subscribe returns an iterator yielding the current value and all future
// updates until ctx is canceled. For use in Go code, not HTTP handlers.
func (a *Atom[T]) Subscribe(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		a.mu.RLock()
		current := a.value
		a.mu.RUnlock()

		if !yield(current) {
			return
		}

		ch := make(chan json.RawMessage, 1)
		subID := a.addSubscriber(ch)
		defer a.removeSubscriber(subID)

		for {
			select {
			case <-ctx.Done():
				return
			case data := <-ch:
				var val T
				if err := json.Unmarshal(data, &val); err != nil {
					continue
				}
				if !yield(val) {
					return
				}
			}
		}
	}
}

// Handler returns an AtomHandler for registering with a Service.
func (a *Atom[T]) Handler() *AtomHandler[T] {
	return &AtomHandler[T]{atom: a}
}

func (a *Atom[T]) addSubscriber(ch chan json.RawMessage) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = ch
	return id
}

func (a *Atom[T]) removeSubscriber(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribers, id)
}

// AtomHandler implements [Endpoint] for Atom subscriptions.
// It streams the current value immediately, then pushes updates via SSE.
type AtomHandler[T any] struct {
	atom              *Atom[T]
	interceptors      []UnaryInterceptor
	writeTimeout      time.Duration
	heartbeatInterval time.Duration
}

// WithUnaryInterceptor adds an interceptor that runs during stream setup.
func (h *AtomHandler[T]) WithUnaryInterceptor(i UnaryInterceptor) *AtomHandler[T] {
	h.interceptors = append(h.interceptors, i)
	return h
}

// WithWriteTimeout sets the timeout for writing each event to the client.
func (h *AtomHandler[T]) WithWriteTimeout(d time.Duration) *AtomHandler[T] {
	h.writeTimeout = d
	return h
}

// WithHeartbeat sets the interval for sending SSE heartbeat comments.
func (h *AtomHandler[T]) WithHeartbeat(d time.Duration) *AtomHandler[T] {
	h.heartbeatInterval = d
	return h
}

// Metadata implements [Endpoint].
func (h *AtomHandler[T]) Metadata() *internal.MethodMetadata {
	var req Empty
	var res T
	return &internal.MethodMetadata{
		Primitive: "atom",
		Request:   reflect.TypeOf(req),
		Response:  reflect.TypeOf(res),
	}
}

func (h *AtomHandler[T]) metadata() *internal.MethodMetadata { return h.Metadata() }

// serveHTTP implements the SSE streaming for atom subscriptions.
func (h *AtomHandler[T]) serveHTTP(ctx *Context) {
	if len(h.interceptors) > 0 || len(ctx.interceptors) > 0 {
		allInterceptors := make([]UnaryInterceptor, 0, len(ctx.interceptors)+len(h.interceptors))
		allInterceptors = append(allInterceptors, ctx.interceptors...)
		allInterceptors = append(allInterceptors, h.interceptors...)

		chain := chainInterceptors(allInterceptors)
		noopHandler := func(ctx context.Context, req any) (any, error) {
			return nil, nil
		}
		info := &RPCInfo{Route: ctx.Route()}
		if _, err := chain(ctx, nil, info, noopHandler); err != nil {
			handleError(ctx, err)
			return
		}
	}

	ctx.writer.Header().Set("Content-Type", "text/event-stream")
	ctx.writer.Header().Set("Cache-Control", "no-cache")
	ctx.writer.Header().Set("Connection", "keep-alive")
	ctx.writer.Header().Set("X-Accel-Buffering", "no")

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

	h.atom.mu.RLock()
	current := h.atom.bytes
	h.atom.mu.RUnlock()

	if err := h.writeSSEEvent(ctx.writer, current); err != nil {
		if !isClientDisconnect(err) {
			logger.Error("failed to write initial atom value",
				"endpoint", ctx.EndpointID(),
				"error", err)
		}
		return
	}
	flusher.Flush()

	ch := make(chan json.RawMessage, 1)
	subID := h.atom.addSubscriber(ch)
	defer h.atom.removeSubscriber(subID)

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

		case data := <-ch:
			if rc != nil {
				if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					logger.Warn("write deadline not supported",
						"endpoint", ctx.EndpointID(),
						"error", err)
					rc = nil
				}
			}

			if err := h.writeSSEEvent(ctx.writer, data); err != nil {
				if !isClientDisconnect(err) {
					logger.Error("failed to write atom update",
						"endpoint", ctx.EndpointID(),
						"error", err)
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

// writeSSEEvent writes a pre-serialized value as an SSE event.
func (h *AtomHandler[T]) writeSSEEvent(w http.ResponseWriter, data json.RawMessage) error {
	_, err := fmt.Fprintf(w, "data: {\"result\":%s}\n\n", data)
	return err
}

package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/relaycore/relaycore"
)

func TestLoggingInterceptor_Success(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	info := &relaycore.RPCInfo{Route: "GET /v1/session/:sessionId"}

	handler := func(ctx context.Context, req any) (any, error) {
		return "response", nil
	}

	result, err := interceptor(context.Background(), "request", info, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "response" {
		t.Errorf("expected response, got %v", result)
	}

	logOutput := buf.String()
	if !strings.Contains(logOutput, "RPC started") {
		t.Error("expected 'RPC started' in log output")
	}
	if !strings.Contains(logOutput, "RPC completed") {
		t.Error("expected 'RPC completed' in log output")
	}
	if !strings.Contains(logOutput, "GET /v1/session/:sessionId") {
		t.Error("expected route in log output")
	}
}

func TestLoggingInterceptor_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	info := &relaycore.RPCInfo{Route: "POST /v1/publish/:streamId"}

	testErr := errors.New("test error")
	handler := func(ctx context.Context, req any) (any, error) {
		return nil, testErr
	}

	result, err := interceptor(context.Background(), "request", info, handler)
	if !errors.Is(err, testErr) {
		t.Errorf("expected test error, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %v", result)
	}

	logOutput := buf.String()
	if !strings.Contains(logOutput, "RPC failed") {
		t.Error("expected 'RPC failed' in log output")
	}
	if !strings.Contains(logOutput, "test error") {
		t.Error("expected error message in log output")
	}
}

func TestLoggingInterceptor_NilLogger(t *testing.T) {
	interceptor := LoggingInterceptor(nil)
	info := &relaycore.RPCInfo{Route: "GET /health"}

	handler := func(ctx context.Context, req any) (any, error) {
		return "response", nil
	}

	result, err := interceptor(context.Background(), "request", info, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "response" {
		t.Errorf("expected response, got %v", result)
	}
}

func TestLoggingInterceptor_LogsDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	info := &relaycore.RPCInfo{Route: "GET /health"}

	handler := func(ctx context.Context, req any) (any, error) {
		return "response", nil
	}

	_, err := interceptor(context.Background(), "request", info, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), "duration") {
		t.Error("expected 'duration' in log output")
	}
}

func TestLoggingInterceptor_PropagatesContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	info := &relaycore.RPCInfo{Route: "GET /health"}

	type ctxKey string
	key := ctxKey("test-key")
	baseCtx := context.WithValue(context.Background(), key, "test-value")

	handler := func(ctx context.Context, req any) (any, error) {
		if ctx.Value(key) != "test-value" {
			t.Error("expected context value to be propagated")
		}
		return "response", nil
	}

	_, err := interceptor(baseCtx, "request", info, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoggingInterceptor_RouteInLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)

	routes := []string{
		"POST /v1/subscribe",
		"POST /v1/unsubscribe",
		"DELETE /v1/session/:sessionId",
	}

	for _, route := range routes {
		t.Run(route, func(t *testing.T) {
			buf.Reset()
			info := &relaycore.RPCInfo{Route: route}

			handler := func(ctx context.Context, req any) (any, error) {
				return nil, nil
			}

			_, _ = interceptor(context.Background(), nil, info, handler)

			if !strings.Contains(buf.String(), route) {
				t.Errorf("expected route %s in log output", route)
			}
		})
	}
}

func TestLoggingInterceptor_ErrorDetails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	interceptor := LoggingInterceptor(logger)
	info := &relaycore.RPCInfo{Route: "GET /v1/session/:sessionId"}

	customErr := relaycore.NewError(relaycore.CodeNotFound, "session not found")
	handler := func(ctx context.Context, req any) (any, error) {
		return nil, customErr
	}

	_, err := interceptor(context.Background(), "request", info, handler)
	if !errors.Is(err, customErr) {
		t.Errorf("expected custom error, got %v", err)
	}

	logOutput := buf.String()
	if !strings.Contains(logOutput, "RPC failed") {
		t.Error("expected 'RPC failed' in log output")
	}
	if !strings.Contains(logOutput, "not_found") || !strings.Contains(logOutput, "session not found") {
		t.Error("expected error details in log output")
	}
}

func TestLoggingInterceptor_PassthroughRequest(t *testing.T) {
	interceptor := LoggingInterceptor(nil)
	info := &relaycore.RPCInfo{Route: "GET /health"}

	type testReq struct {
		Key string
	}
	expectedReq := testReq{Key: "value"}
	handler := func(ctx context.Context, req any) (any, error) {
		if req != expectedReq {
			t.Error("expected request to be passed through")
		}
		return "response", nil
	}

	_, err := interceptor(context.Background(), expectedReq, info, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

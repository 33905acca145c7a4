// Command relaycore runs the subscription fan-out service: the public /v1
// HTTP surface on HTTP_ADDR, and the operator-facing devtools/admin RPC
// surface on ADMIN_ADDR.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/devtools"
	"github.com/relaycore/relaycore/httpapi"
	"github.com/relaycore/relaycore/internal/cleanup"
	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/edgecache"
	"github.com/relaycore/relaycore/internal/expiry"
	"github.com/relaycore/relaycore/internal/fanout"
	"github.com/relaycore/relaycore/internal/logclient"
	"github.com/relaycore/relaycore/internal/metrics"
	"github.com/relaycore/relaycore/internal/session"
	"github.com/relaycore/relaycore/internal/subscription"
	"github.com/relaycore/relaycore/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logClient := logclient.New(cfg.CoreURL, cfg.AuthToken)

	var analyticsSink *metrics.SQLiteSink
	var sink metrics.Sink = metrics.NoopSink{}
	if cfg.AnalyticsConfigured() {
		sqliteSink, err := metrics.Open(cfg.AnalyticsDataset, logger)
		if err != nil {
			logger.Error("failed to open analytics sink", "error", err)
			os.Exit(1)
		}
		defer sqliteSink.Close()
		analyticsSink = sqliteSink
		sink = sqliteSink
	}

	promSink := metrics.NewPrometheusSink(sink)
	sink = promSink

	var oracle *expiry.Oracle
	if analyticsSink != nil {
		oracle = expiry.New(analyticsSink.DB(), logger)
	} else {
		oracle = expiry.New(nil, logger)
	}

	sessions := session.New(logClient, oracle, cfg.SessionTTL)

	var queue fanout.QueuePublisher
	if cfg.FanoutQueue != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		publisher, err := fanout.NewNATSPublisher(ctx, cfg.NATSURL, cfg.FanoutQueue)
		cancel()
		if err != nil {
			logger.Error("failed to connect to fanout queue, falling back to inline-only", "error", err)
		} else {
			queue = publisher
		}
	}
	engine := fanout.New(logClient, queue, logger)

	registry, err := subscription.Open(cfg.BBoltPath, logClient, engine, sink, cfg.FanoutQueueThreshold, logger)
	if err != nil {
		logger.Error("failed to open subscription store", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	cache := edgecache.New(edgecache.DefaultLinger)

	adminApp := relaycore.NewApp().
		WithErrorTransformer(relaycore.DefaultErrorTransformer).
		WithUnaryInterceptor(middleware.LoggingInterceptor(logger)).
		WithLogger(logger)

	dt := devtools.New(adminApp, adminPort(cfg.AdminAddr))
	dt.Register()

	sweeper := cleanup.New(httpapi.DefaultProject, oracle, registry, sessions,
		cleanup.ReporterFunc(func(r cleanup.Result) {
			dt.Watch.Set(r)
			promSink.Emit(context.Background(), metrics.Event{Kind: metrics.KindCleanupBatch, Count: r.SessionsClosed})
		}), logger)

	scheduler, err := cleanup.NewScheduler(sweeper, cfg.CleanupIntervalSeconds, logger)
	if err != nil {
		logger.Error("failed to build cleanup scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	apiServer := &httpapi.Server{
		Log:           logClient,
		Subscriptions: registry,
		Sessions:      sessions,
		Metrics:       sink,
		Prom:          promSink,
		Cache:         cache,
		Logger:        logger,
		AuthToken:     cfg.AuthToken,
	}

	publicHandler := middleware.CORS(&middleware.CORSConfig{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Producer-Id", "Producer-Epoch", "Producer-Seq", "X-Project-Id", "X-Debug-Coalesce"},
	})(apiServer.Router())

	publicSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: publicHandler}
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminApp.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("public API listening", "addr", cfg.HTTPAddr)
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("public server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("admin API listening", "addr", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	publicSrv.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
}

// adminPort extracts a numeric port from an addr like ":8081" for devtools'
// informational Status/Info endpoints; defaults to 0 if unparseable.
func adminPort(addr string) int {
	port := 0
	start := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			start = i + 1
			break
		}
	}
	if start < 0 || start >= len(addr) {
		return 0
	}
	for _, c := range addr[start:] {
		if c < '0' || c > '9' {
			return 0
		}
		port = port*10 + int(c-'0')
	}
	return port
}

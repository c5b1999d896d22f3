package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kilnworks/catalogsync/internal/config"
	dbRedis "github.com/kilnworks/catalogsync/internal/db/redis"
	logpkg "github.com/kilnworks/catalogsync/internal/logger"
	"github.com/kilnworks/catalogsync/internal/matcher"
	"github.com/kilnworks/catalogsync/internal/matcher/oracle"
	"github.com/kilnworks/catalogsync/internal/metrics"
	attrindexrepo "github.com/kilnworks/catalogsync/internal/repository/attrindex"
	contentrepo "github.com/kilnworks/catalogsync/internal/repository/content"
	filterregrepo "github.com/kilnworks/catalogsync/internal/repository/filterreg"
	membershiprepo "github.com/kilnworks/catalogsync/internal/repository/membership"
	searchindexrepo "github.com/kilnworks/catalogsync/internal/repository/searchindex"
	chiTransport "github.com/kilnworks/catalogsync/internal/transport/chi"
	auditc "github.com/kilnworks/catalogsync/internal/usecase/audit"
	collectoruc "github.com/kilnworks/catalogsync/internal/usecase/collector"
	healthuc "github.com/kilnworks/catalogsync/internal/usecase/health"
	inclusionuc "github.com/kilnworks/catalogsync/internal/usecase/inclusion"
	projectionuc "github.com/kilnworks/catalogsync/internal/usecase/projection"
	"github.com/kilnworks/catalogsync/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting catalogsync engine",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("matcher_backend", cfg.Matcher.Backend),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Username: cfg.Database.Username,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register engine metrics explicitly (no init())
	metrics.RegisterEngineMetrics()

	// Repositories
	contents := contentrepo.New(store, cfg.Index.KeyPrefix)
	registry := filterregrepo.New(store, cfg.Index.KeyPrefix)
	attrs := attrindexrepo.New()
	members := membershiprepo.New()

	indexFields := make([]searchindexrepo.AttributeField, len(cfg.Index.AttributeFields))
	for i, af := range cfg.Index.AttributeFields {
		indexFields[i] = searchindexrepo.AttributeField{Name: af.Name, Numeric: af.Numeric}
	}
	searchIndex := searchindexrepo.New(store, cfg.Index.Name, cfg.Index.KeyPrefix, indexFields)
	if err := searchIndex.EnsureIndex(ctx); err != nil {
		logger.Fatal("Failed to ensure search index", zap.Error(err))
	}

	// Matching backend
	backend, err := buildBackend(ctx, cfg, store)
	if err != nil {
		logger.Fatal("Failed to build matching backend", zap.Error(err))
	}
	logger.Info("Matching backend ready", zap.String("backend", backend.Name()))

	// Use case services
	projector := projectionuc.New(contents, members, searchIndex, logger)
	evaluator := inclusionuc.New(contents, registry, attrs, members, backend, projector, logger).
		WithConcurrency(cfg.Engine.Concurrency)

	// Membership is process state: rebuild it from stored filters before
	// accepting traffic, then converge the index onto the fresh edge set.
	if err := evaluator.Bootstrap(ctx); err != nil {
		logger.Fatal("Membership bootstrap failed", zap.Error(err))
	}
	if _, err := projector.Rebuild(ctx); err != nil {
		logger.Warn("Startup index rebuild failed, index may lag", zap.Error(err))
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	coll := collectoruc.New(collectoruc.Config{
		MaxSize:     cfg.Engine.BatchMaxSize,
		Window:      time.Duration(cfg.Engine.BatchWindowSec) * time.Second,
		EvalTimeout: time.Duration(cfg.Engine.EvalTimeoutSec) * time.Second,
		MaxAttempts: cfg.Engine.MaxAttempts,
	}, evaluator, collectoruc.SystemClock{}, logger)
	coll.Start(runCtx)

	auditSvc := auditc.New(registry, attrs, logger)
	auditSvc.Start(runCtx, time.Duration(cfg.Audit.IntervalSec)*time.Second)

	healthSvc := healthuc.New(store, searchIndex)

	// HTTP server
	server := chiTransport.NewServer(contents, coll, members, projector, healthSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	// Stop the dispatch loop and let it drain in-flight batches.
	stop()
	select {
	case <-coll.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Collector drain timed out")
	}

	logger.Info("Engine stopped gracefully")
}

// buildBackend selects the matching backend. The oracle delegates matching to
// an FT index over the content store and needs its schema ensured up front.
func buildBackend(ctx context.Context, cfg config.Config, store *dbRedis.Store) (matcher.Backend, error) {
	switch cfg.Matcher.Backend {
	case "oracle":
		fields := make([]oracle.AttributeField, len(cfg.Index.AttributeFields))
		for i, af := range cfg.Index.AttributeFields {
			fields[i] = oracle.AttributeField{Name: af.Name, Numeric: af.Numeric}
		}
		b := oracle.New(store, cfg.Index.OracleIndexName, cfg.Index.KeyPrefix, fields, cfg.Matcher.OracleQPS)
		if err := b.EnsureIndex(ctx); err != nil {
			return nil, fmt.Errorf("ensure oracle content index: %w", err)
		}
		return b, nil
	default:
		return matcher.NewLocal(), nil
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}

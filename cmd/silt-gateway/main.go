package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/doublewordai/silt/internal/audit"
	"github.com/doublewordai/silt/internal/config"
	"github.com/doublewordai/silt/internal/dispatcher"
	"github.com/doublewordai/silt/internal/filter"
	"github.com/doublewordai/silt/internal/filter/injection"
	"github.com/doublewordai/silt/internal/filter/policy"
	"github.com/doublewordai/silt/internal/filter/secrets"
	"github.com/doublewordai/silt/internal/gateway"
	"github.com/doublewordai/silt/internal/idempotency"
	"github.com/doublewordai/silt/internal/poller"
	"github.com/doublewordai/silt/internal/store"
	"github.com/doublewordai/silt/internal/telemetry"
	"github.com/doublewordai/silt/internal/upstream"
)

var version = "dev"

const chatCompletionsEndpoint = "/v1/chat/completions"

func main() {
	configDir := flag.String("config", "configs", "path to ambient configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	extLoader := config.NewExtendedLoader(*configDir, logger)
	if err := extLoader.Load(); err != nil {
		logger.Error("failed to load extended configuration", "error", err)
		os.Exit(1)
	}
	if err := extLoader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("redis not reachable", "error", err)
		os.Exit(1)
	}
	logger.Info("redis connected")
	s := store.NewRedisStore(rdb)

	var auditLog *audit.Log
	if cfg.AuditDatabaseURL != "" {
		dbPool, err := pgxpool.New(context.Background(), cfg.AuditDatabaseURL)
		if err != nil {
			logger.Warn("failed to connect audit database, audit log disabled", "error", err)
		} else {
			auditLog = audit.New(dbPool)
			defer dbPool.Close()
			logger.Info("audit database connected")
		}
	}

	metrics := telemetry.NewMetrics()

	extCfg := extLoader.Config()
	shutdownTracing, err := telemetry.InitTracing(context.Background(), extCfg.Telemetry.OTLPEndpoint, extCfg.Telemetry.TraceSampleRate, version)
	if err != nil {
		logger.Warn("failed to init tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	secretsFilter := secrets.NewScanner(func() config.SecretsFilterConfig { return extLoader.Config().Filter.Secrets })
	injectionFilter := injection.NewScanner(func() config.InjectionFilterConfig { return extLoader.Config().Filter.Injection })
	policyFilter := policy.NewEvaluator(func() config.PolicyFilterConfig { return extLoader.Config().Filter.Policy })
	if extCfg.Filter.Policy.Enabled {
		if err := policyFilter.Load(); err != nil {
			logger.Warn("failed to load policy bundle", "error", err)
		}
	}
	filterChain := filter.NewChain(secretsFilter, injectionFilter, policyFilter)

	gate := idempotency.NewGate(s)
	handler := gateway.NewHandler(s, gate, filterChain, metrics, cfg.HandlerMaxLifetime)

	batchClient := upstream.NewOpenAIBatchClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)

	dispatchLogger := logger.With("component", "dispatcher")
	dsp := dispatcher.New(s, batchClient, cfg.BatchWindow, cfg.MaxBatchSize, dispatchLogger).WithAudit(auditLog).WithMetrics(metrics)

	pollLogger := logger.With("component", "poller")
	pll := poller.New(s, batchClient, cfg.BatchPollInterval, pollLogger).WithAudit(auditLog).WithMetrics(metrics)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	go dsp.Run(bgCtx)
	go pll.Run(bgCtx)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/health", healthHandler)
	r.Post(chatCompletionsEndpoint, handler.ChatCompletions)

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to bind", "addr", addr, "error", err)
		os.Exit(1)
	}
	ln = &keepAliveListener{TCPListener: ln.(*net.TCPListener), period: cfg.TCPKeepAlive}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("silt-gateway starting", "addr", addr, "version", version)
		errCh <- srv.Serve(ln)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	cancelBg()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("silt-gateway stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "req-fallback"
	}
	return "req_" + hex.EncodeToString(b)
}

// keepAliveListener applies the configured TCP keepalive period to every
// accepted connection, since Request Handlers hold connections open for the
// full batching window and beyond.
type keepAliveListener struct {
	*net.TCPListener
	period time.Duration
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	c, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	c.SetKeepAlive(true)
	c.SetKeepAlivePeriod(l.period)
	return c, nil
}

// Command messagingd boots the resilient messaging core: it wires the
// StreamManager, ResilientPublisher, WAL/Retry/Fallback/MemoryMonitor
// workers, DeliveryEngine, PresenceRegistry, UserCache and SocketGateway
// against Redis and Postgres, then serves WebSocket traffic on GatewayAddr
// and a Prometheus/health endpoint on MetricsPort.
//
// Grounded on the orchestrator's cmd/gateway/main.go bootstrap shape:
// zap.NewProduction logger, env-driven connection config, a goroutine
// running ListenAndServe, and a SIGINT/SIGTERM-triggered two-phase
// graceful shutdown.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatcore/messaging-core/internal/auth"
	"github.com/chatcore/messaging-core/internal/circuitbreaker"
	"github.com/chatcore/messaging-core/internal/config"
	"github.com/chatcore/messaging-core/internal/delivery"
	"github.com/chatcore/messaging-core/internal/gateway"
	"github.com/chatcore/messaging-core/internal/health"
	"github.com/chatcore/messaging-core/internal/presence"
	"github.com/chatcore/messaging-core/internal/publisher"
	"github.com/chatcore/messaging-core/internal/repository"
	"github.com/chatcore/messaging-core/internal/resilience"
	"github.com/chatcore/messaging-core/internal/streaming"
	"github.com/chatcore/messaging-core/internal/usercache"
)

const tokenIssuer = "chatcore-messaging-core"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	env := config.LoadRuntimeEnv()
	if env.JWTSecret == "" {
		logger.Fatal("JWT_SECRET must be set")
	}
	if os.Getenv("POSTGRES_DSN") == "" && os.Getenv("REDIS_ADDR") == "" {
		logger.Warn("neither POSTGRES_DSN nor REDIS_ADDR overridden, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: env.RedisAddr, Password: env.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	repo, err := repository.NewPostgres(postgresConfigFromEnv(env), logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer repo.Close()

	validator := auth.NewValidator(env.JWTSecret, tokenIssuer)

	streamClient := streaming.NewClient(rdb, logger)
	mgr := streaming.NewManager(streamClient, cfg.Streams, logger)

	storeCB := circuitbreaker.NewCircuitBreaker("primary-store", circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		MaxRequests:      cfg.Circuit.MaxRequests,
		Interval:         cfg.Circuit.Interval,
		Timeout:          cfg.Circuit.Timeout,
	}, logger)

	userCache := usercache.NewCache(rdb, cfg.Cache.ProfileTTL, logger)
	idem := publisher.NewIdempotencyStore(rdb, 5*time.Minute)

	pub := publisher.New(repo, storeCB, mgr, idem, userCache, publisher.Options{
		OverflowBufferSize: cfg.Resilience.OverflowBufferSize,
	}, logger)
	go pub.RunOverflow(ctx)

	resilienceOpts := resilience.Options{
		MaxRetries:        cfg.Resilience.MaxRetries,
		RetryBase:         cfg.Resilience.RetryBase,
		JitterPercent:     cfg.Resilience.RetryJitterPercent,
		DLQReasonMaxBytes: cfg.Resilience.DLQReasonMaxBytes,
	}

	walWorker := resilience.NewWALWorker(mgr, pub.Replay, resilienceOpts, "messagingd-wal", logger)
	if err := walWorker.Start(ctx); err != nil {
		logger.Fatal("failed to start WAL worker", zap.Error(err))
	}

	retryWorker := resilience.NewRetryWorker(streamClient, mgr, pub.Replay, resilienceOpts, cfg.Resilience.RetryScanInterval, logger)
	go retryWorker.Run(ctx)

	fallbackWorker := resilience.NewFallbackWorker(streamClient, mgr, storeCB, pub.Replay, resilienceOpts, cfg.Resilience.FallbackStablePeriod, "messagingd-fallback", logger)
	go fallbackWorker.Run(ctx)

	memMonitor := resilience.NewMemoryMonitor(rdb, cfg.Resilience.MemoryBudgetBytes, cfg.Resilience.MemoryWarnPercent, cfg.Resilience.MemoryCritPercent, 0, memoryAlertLogger(logger), logger)
	go memMonitor.Run(ctx)

	cacheConsumer := usercache.NewConsumer(userCache, mgr, "messagingd-usercache", logger)
	if err := cacheConsumer.Start(ctx); err != nil {
		logger.Fatal("failed to start user cache consumer", zap.Error(err))
	}

	registry := presence.NewRegistry(rdb, presence.DefaultShardCount, cfg.Presence.PresenceTTL, logger)
	registry.StartHeartbeat(ctx, cfg.Presence.HeartbeatInterval)
	pending := delivery.NewPendingStore(rdb, cfg.Delivery.PendingQueueTTL, cfg.Delivery.PendingMaxItems, logger)

	gw := gateway.New(validator, registry, pending, pub, repo, mgr, gateway.Options{
		PingInterval:      cfg.Gateway.PingInterval,
		MaxMissedPongs:    cfg.Gateway.MaxMissedPongs,
		MaxPendingQueue:   cfg.Gateway.MaxPendingQueue,
		InboundRatePerSec: cfg.Gateway.InboundRatePerSec,
		InboundBurst:      cfg.Gateway.InboundBurst,
	}, logger)

	engine := delivery.New(repo, registry, gw, pending, mgr, cfg.Delivery.WorkerPoolSize, logger)
	if err := engine.Start(ctx, "messagingd-delivery"); err != nil {
		logger.Fatal("failed to start delivery engine", zap.Error(err))
	}

	healthMgr := buildHealthManager(rdb, storeCB, streamClient, repo, logger)
	if err := healthMgr.Start(ctx); err != nil {
		logger.Warn("failed to start health manager background loop", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(env.MetricsPort),
		Handler: metricsMux(healthMgr),
	}
	go func() {
		logger.Info("metrics/health listening", zap.Int("port", env.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	gatewayServer := &http.Server{
		Addr:         env.GatewayAddr,
		Handler:      gw,
		ReadTimeout:  cfg.Timeouts.Repository,
		WriteTimeout: 0, // unbounded for long-lived websocket writes
		IdleTimeout:  300 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", zap.String("addr", env.GatewayAddr))
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("gateway server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("messagingd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownGrace)
	defer cancel()

	// Two-phase shutdown (§5): stop accepting new gateway work first, then
	// let the already-cancelled ctx drain the background workers before the
	// grace period on the HTTP servers themselves elapses.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown reported error", zap.Error(err))
	}
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway http server forced to shutdown", zap.Error(err))
	}
	if err := healthMgr.Stop(); err != nil {
		logger.Warn("health manager stop failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics http server forced to shutdown", zap.Error(err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stream manager shutdown reported error", zap.Error(err))
	}

	logger.Info("messagingd stopped")
}

func postgresConfigFromEnv(env config.RuntimeEnv) repository.PostgresConfig {
	// PostgresDSN carries host/port/user/password/db pre-joined in some
	// deployments; the reference adapter wants discrete fields, so the
	// common case (individual POSTGRES_* env vars) is read directly here
	// rather than parsing the DSN back apart.
	return repository.PostgresConfig{
		Host:     getEnv("POSTGRES_HOST", "localhost"),
		Port:     getEnvInt("POSTGRES_PORT", 5432),
		User:     getEnv("POSTGRES_USER", "messaging"),
		Password: getEnv("POSTGRES_PASSWORD", ""),
		Database: getEnv("POSTGRES_DB", "messaging"),
		SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
	}
}

func memoryAlertLogger(logger *zap.Logger) resilience.AlertFunc {
	return func(level resilience.AlertLevel, usedBytes int64, percent float64) {
		if level == "" {
			logger.Info("memory pressure cleared", zap.Int64("usedBytes", usedBytes), zap.Float64("percent", percent))
			return
		}
		logger.Warn("memory pressure alert", zap.String("level", string(level)), zap.Int64("usedBytes", usedBytes), zap.Float64("percent", percent))
	}
}

func buildHealthManager(rdb *redis.Client, storeCB *circuitbreaker.CircuitBreaker, streamClient *streaming.Client, repo *repository.Postgres, logger *zap.Logger) *health.Manager {
	mgr := health.NewManager(logger)

	redisWrapper := circuitbreaker.NewRedisWrapper(rdb, logger)
	_ = mgr.RegisterChecker(health.NewRedisHealthChecker(redisWrapper, logger))
	_ = mgr.RegisterChecker(health.NewCircuitBreakerHealthChecker("primary-store", storeCB))
	_ = mgr.RegisterChecker(health.NewDLQPressureChecker(streaming.StreamDLQ, streamClient.Length, 1000, 10000))
	_ = mgr.RegisterChecker(health.NewCustomHealthChecker("postgres", true, 5*time.Second, func(ctx context.Context) health.CheckResult {
		status := health.StatusHealthy
		message := "primary store circuit closed"
		if repo.IsCircuitOpen() {
			status = health.StatusUnhealthy
			message = "primary store circuit open"
		}
		return health.CheckResult{Component: "postgres", Status: status, Message: message, Timestamp: time.Now()}
	}))

	return mgr
}

func metricsMux(healthMgr *health.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthMgr.IsLive(r.Context()) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if healthMgr.IsReady(r.Context()) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

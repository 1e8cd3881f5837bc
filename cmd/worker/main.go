package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"astralcore.app/crisis/common/id"
	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/common/otel"
	"astralcore.app/crisis/core/config"
	"astralcore.app/crisis/core/db"
	"astralcore.app/crisis/internal/escalation"
	"astralcore.app/crisis/internal/http/middleware"
	"astralcore.app/crisis/internal/metrics"
	"astralcore.app/crisis/internal/queue"
	"astralcore.app/crisis/internal/store"
	"astralcore.app/crisis/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Env)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Setup(cfg)

	slog.InfoContext(ctx, "escalation relay starting",
		"env", cfg.Env,
		"consumer_group", cfg.Escalation.Group,
		"consumer_name", cfg.Escalation.Consumer)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Escalation.Stream)

	consumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
		Stream:       cfg.Escalation.Stream,
		Group:        cfg.Escalation.Group,
		Consumer:     cfg.Escalation.Consumer,
		DLQStream:    cfg.Escalation.DLQStream,
		BatchSize:    10,
		Block:        5 * time.Second,
		MaxAttempts:  cfg.Escalation.MaxAttempts,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	webhook, err := escalation.NewWebhookClient(escalation.Config{
		URL:        cfg.Escalation.WebhookURL,
		Token:      cfg.Escalation.WebhookToken,
		Timeout:    cfg.Escalation.Timeout,
		RatePerSec: cfg.Escalation.RatePerSec,
		RetryMax:   2,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create escalation webhook client", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	txRunner := &workerTxRunnerAdapter{db: database}

	w := worker.New(consumer, txRunner, webhook, m, worker.Config{
		MaxAttempts: cfg.Escalation.MaxAttempts,
	})

	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Stream:        cfg.Escalation.Stream,
		Group:         cfg.Escalation.Group,
		Consumer:      cfg.Escalation.Consumer + "-reclaimer",
		MinIdle:       2 * time.Minute,
		Interval:      30 * time.Second,
		BatchSize:     10,
		MaxDeliveries: int64(cfg.Escalation.MaxAttempts) * 2,
	}, consumer, w.Handle)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	opsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           opsRouter(m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.InfoContext(ctx, "ops server starting", "port", cfg.Port)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "ops server error", "error", err)
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop reclaimer first (quick)
	reclaimer.Stop()

	// Stop worker (may be mid-delivery)
	w.Stop()

	// Wait for both goroutines with timeout
	for pending := 2; pending > 0; pending-- {
		select {
		case <-shutdownCtx.Done():
			slog.WarnContext(ctx, "shutdown timeout exceeded")
			pending = 0
		case err := <-errCh:
			if err != nil {
				slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
			}
		}
	}

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "ops server shutdown error", "error", err)
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

func opsRouter(m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))
	return router
}

// workerTxRunnerAdapter bridges db.DB to worker.TxRunner.
type workerTxRunnerAdapter struct {
	db *db.DB
}

func (a *workerTxRunnerAdapter) WithTx(ctx context.Context, fn func(stores worker.StoreProvider) error) error {
	return a.db.WithTx(ctx, func(tx db.DBTX) error {
		return fn(store.NewStores(tx))
	})
}

const banner = `
  ___ ___ ___ ___ ___ ___   ___ ___ _      ___   __
 / __| _ \_ _/ __|_ _/ __| | _ \ __| |    /_\ \ / /
| (__|   /| |\__ \| |\__ \ |   / _|| |__ / _ \ V /
 \___|_|_\___|___/___|___/ |_|_\___|____/_/ \_\_|
`

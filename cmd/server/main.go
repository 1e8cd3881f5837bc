package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"astralcore.app/crisis/common/id"
	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/common/otel"
	"astralcore.app/crisis/core/config"
	"astralcore.app/crisis/core/db"
	"astralcore.app/crisis/internal/classify"
	"astralcore.app/crisis/internal/crisis"
	"astralcore.app/crisis/internal/detect"
	"astralcore.app/crisis/internal/dispatch"
	"astralcore.app/crisis/internal/http/middleware"
	httprouter "astralcore.app/crisis/internal/http/router"
	"astralcore.app/crisis/internal/metrics"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/queue"
	"astralcore.app/crisis/internal/recommend"
	"astralcore.app/crisis/internal/service"
	"astralcore.app/crisis/internal/store"
	"astralcore.app/crisis/internal/syncqueue"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Env)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "crisis server starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.Migrate(ctx, cfg.Audit.RetentionDays); err != nil {
		slog.ErrorContext(ctx, "failed to apply schema", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	// An unreachable redis only degrades escalation; alerts queue locally until it returns.
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.WarnContext(ctx, "redis unreachable at startup, escalations will queue", "error", err)
	} else {
		slog.InfoContext(ctx, "redis connected", "stream", cfg.Escalation.Stream)
	}

	escalationProducer := queue.NewRedisProducer(redisClient, cfg.Escalation.Stream, slog.Default())
	defer escalationProducer.Close() // owns redisClient

	m := metrics.New()

	lexicon, err := loadLexicon(cfg.Detection.LexiconFile)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load risk lexicon", "error", err, "path", cfg.Detection.LexiconFile)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "risk lexicon loaded", "entries", lexicon.Size())

	stores := store.NewStores(database.Conn())
	machine := crisis.NewMachine(
		crisis.NewTxRunner(database),
		stores,
		recommend.NewSelector(),
		crisis.Config{Cooldown: cfg.Detection.SeverityCooldown},
	)
	loaded, err := machine.Load(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load active crisis events", "error", err)
		os.Exit(1)
	}
	m.SetActiveEvents(loaded)
	slog.InfoContext(ctx, "active crisis events restored", "count", loaded)

	syncQueue, err := syncqueue.Open(ctx, syncqueue.Config{
		Path:            cfg.Sync.DBPath,
		MaxAttempts:     cfg.Sync.MaxAttempts,
		BaseBackoff:     cfg.Sync.BaseBackoff,
		MaxBackoff:      cfg.Sync.MaxBackoff,
		BatchSize:       cfg.Sync.BatchSize,
		DeliveryTimeout: cfg.Escalation.Timeout,
	},
		syncqueue.WithMetrics(m),
		syncqueue.WithDeadLetterSink(dispatch.NewDeadLetterAuditor(stores.Interventions())),
	)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open offline sync queue", "error", err, "path", cfg.Sync.DBPath)
		os.Exit(1)
	}
	defer syncQueue.Close()
	syncQueue.Register(model.SyncKindIntervention, dispatch.AuditDeliverer(stores.Interventions()))
	syncQueue.Register(model.SyncKindEscalation, dispatch.EscalationDeliverer(escalationProducer, stores.Interventions()))

	hub := dispatch.NewHub()
	dispatcher := dispatch.NewDispatcher(hub, stores.Interventions(), escalationProducer, syncQueue,
		dispatch.Config{EscalationTimeout: cfg.Escalation.Timeout},
		dispatch.WithMetrics(m),
	)

	services := service.NewServices(service.Engine{
		Detector:   detect.NewExtractor(lexicon),
		Classifier: classify.New(classify.ConfigFrom(cfg.Detection)),
		Machine:    machine,
		Dispatcher: dispatcher,
	}, service.NewTxRunner(database), m)

	bgCtx, stopBackground := context.WithCancel(ctx)
	var bg sync.WaitGroup

	drainer := syncqueue.NewDrainer(syncQueue, cfg.Sync.PollInterval)
	monitor := syncqueue.NewConnectivityMonitor(syncqueue.RedisProbe(redisClient), 5*time.Second, 2*time.Second, drainer.Notify)
	bg.Add(3)
	go func() {
		defer bg.Done()
		drainer.Run(bgCtx)
	}()
	go func() {
		defer bg.Done()
		monitor.Run(bgCtx)
	}()
	go func() {
		defer bg.Done()
		runAutoClose(bgCtx, services.Crisis(), cfg.Detection.AutoCloseAfter)
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, services, hub, m)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: the alert stream is long-lived.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	stopBackground()
	bg.Wait()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func loadLexicon(path string) (*detect.Lexicon, error) {
	if path == "" {
		return detect.DefaultLexicon()
	}
	return detect.LoadLexicon(path)
}

// runAutoClose resolves active events that have seen no activity for maxAge.
func runAutoClose(ctx context.Context, crisisService service.CrisisService, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "crisis.autoclose"})

	interval := max(min(maxAge/4, 10*time.Minute), time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := crisisService.ExpireStale(ctx, maxAge); err != nil {
				slog.ErrorContext(ctx, "auto-close failed", "error", err)
			}
		}
	}
}

func setupRouter(cfg config.Config, services *service.Services, hub *dispatch.Hub, m *metrics.Metrics) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, services, httprouter.RouterConfig{
		UserIDHeader: cfg.UserIDHeader,
		Alerts:       hub,
		Metrics:      m.Handler(),
	})

	return router
}

const banner = `
  ___ ___ ___ ___ ___ ___   ___ ___ _____   _____ ___
 / __| _ \_ _/ __|_ _/ __| / __| __| _ \ \ / / __| _ \
| (__|   /| |\__ \| |\__ \ \__ \ _||   /\ V /| _||   /
 \___|_|_\___|___/___|___/ |___/___|_|_\ \_/ |___|_|_\
`

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/swagger"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dfeingest/docs"
	"dfeingest/internal/config"
	"dfeingest/internal/credentials"
	"dfeingest/internal/database"
	"dfeingest/internal/database/migration"
	"dfeingest/internal/dfe"
	"dfeingest/internal/export"
	handlers "dfeingest/internal/http/handler"
	"dfeingest/internal/http/middleware"
	"dfeingest/internal/keylock"
	"dfeingest/internal/ledger"
	"dfeingest/internal/logging"
	"dfeingest/internal/metrics"
	"dfeingest/internal/otel"
	"dfeingest/internal/pipeline"
	"dfeingest/internal/repository/postgres"
	"dfeingest/internal/scheduler"
	"dfeingest/internal/service"
	"dfeingest/internal/source/email"
	"dfeingest/internal/storage"
)

// @title DF-e Ingestion API
// @version 1.0
// @description Fetches, records and reconciles Brazilian fiscal documents.
// @BasePath /
func main() {
	// Load configuration from environment variables (.env auto-loaded if present)
	cfg := config.Load()
	loc := logging.Location(cfg.Timezone)
	log := logging.New(cfg.LogLevel, loc)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, log)
	if err != nil {
		log.Fatal("tracing_init_failed", zap.Error(err))
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatal("db_connect_failed", zap.Error(err))
	}
	defer db.Close()

	if err := migration.EnsureMigrated(ctx, db, log, cfg.Database.Host); err != nil {
		log.Fatal("db_migration_failed", zap.Error(err))
	}

	objects, err := storage.NewMinIO(ctx, cfg.MinIO)
	if err != nil {
		log.Fatal("object_storage_init_failed", zap.Error(err))
	}
	payloads := storage.NewPayloadStore(objects)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatal("metrics_init_failed", zap.Error(err))
	}
	httpMetrics, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		log.Fatal("metrics_init_failed", zap.Error(err))
	}

	docRepo := postgres.NewDocumentPostgres(db)
	eventRepo := postgres.NewEventPostgres(db)
	cursorRepo := postgres.NewCursorPostgres(db)
	logRepo := postgres.NewImportLogPostgres(db)
	records := postgres.NewRecordStore(db)

	// One locker so ingestion and stage runs on the same access key serialize.
	locks := &keylock.Locker{}

	engine := pipeline.NewEngine(docRepo, records,
		pipeline.OptionsFromConfig(cfg.Pipeline, cfg.Matching), log,
		pipeline.WithLocker(locks), pipeline.WithMetrics(m))
	queue := pipeline.NewQueue(engine, cfg.Pipeline.QueueSize, cfg.Pipeline.Workers, cfg.Pipeline.JobTimeout, log, m)

	led := ledger.New(docRepo, eventRepo, logRepo, payloads, log,
		ledger.WithLocker(locks), ledger.WithMetrics(m), ledger.WithCanceller(engine))
	if cfg.Pipeline.AutoProcess {
		led.SetOnCreated(func(_ context.Context, accessKey string) {
			enqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := queue.Enqueue(enqCtx, accessKey); err != nil {
				log.Warn("pipeline_enqueue_failed", zap.String("access_key", accessKey), zap.Error(err))
			}
		})
	}

	fetcher := dfe.NewFetcher(dfe.OptionsFromConfig(cfg.SEFAZ), cursorRepo, led,
		credentials.NewPKCS12Provider(cfg.CredentialsDir), dfe.NewDistributors(cfg.SEFAZ), log,
		dfe.WithMetrics(m))

	if cfg.Scheduler.Enabled {
		go scheduler.New(cfg.Scheduler, fetcher, log).Run(ctx)
	}

	ops := service.NewOperations(service.Deps{
		Fetcher:     fetcher,
		Engine:      engine,
		Attachments: email.NewIngester(led, log),
		Exporter:    export.NewService(logRepo, loc, log),
		Payloads:    payloads,
		Documents:   docRepo,
		Events:      eventRepo,
		Cursors:     cursorRepo,
		ImportLog:   logRepo,
		Log:         log,
	})

	app := fiber.New(fiber.Config{
		ErrorHandler:          handlers.ErrorHandler(),
		BodyLimit:             cfg.BodyLimitMB << 20,
		DisableStartupMessage: true,
	})

	app.Use(otelfiber.Middleware())
	// RequestID middleware adds/propagates X-Request-ID and stores it in context
	app.Use(middleware.RequestID())
	app.Use(middleware.Logger(log))
	app.Use(httpMetrics.Handler())

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	handlers.RegisterRoutes(app, db, ops)

	// Swagger UI with dynamic host and scheme
	app.Get("/swagger/*", func(c *fiber.Ctx) error {
		scheme := c.Protocol()
		if proto := c.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.Split(proto, ",")[0]
		}

		docs.SwaggerInfo.Host = c.Get("Host")
		docs.SwaggerInfo.Schemes = []string{scheme}

		return swagger.HandlerDefault(c)
	})

	go func() {
		<-ctx.Done()
		log.Info("shutdown_started")
		if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
			log.Error("http_shutdown_failed", zap.Error(err))
		}
	}()

	log.Info("server_started", zap.String("addr", ":"+cfg.Port), zap.String("app_host", cfg.AppHost))
	if err := app.Listen(":" + cfg.Port); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server_failed", zap.Error(err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queue.Shutdown(drainCtx); err != nil {
		log.Warn("pipeline_drain_incomplete", zap.Error(err))
	}
	if err := shutdownTracing(drainCtx); err != nil {
		log.Warn("tracing_shutdown_failed", zap.Error(err))
	}
	log.Info("shutdown_completed")
}

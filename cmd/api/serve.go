package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/complaint-engine/internal/api/http"
	"github.com/spec-kit/complaint-engine/internal/api/http/handlers"
	"github.com/spec-kit/complaint-engine/internal/config"
	"github.com/spec-kit/complaint-engine/internal/escalation"
	"github.com/spec-kit/complaint-engine/internal/events"
	"github.com/spec-kit/complaint-engine/internal/observability"
	"github.com/spec-kit/complaint-engine/internal/persistence"
	"github.com/spec-kit/complaint-engine/internal/repository"
	"github.com/spec-kit/complaint-engine/internal/service"
	"github.com/spec-kit/complaint-engine/internal/sla"
	"github.com/spec-kit/complaint-engine/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the escalation tracker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	if pg.Enabled() && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.Pool, cfg.Postgres.MigrationsDir, logger); err != nil {
			return err
		}
	}

	table, err := sla.Load(cfg.Engine.SLATablePath)
	if err != nil {
		return fmt.Errorf("load sla table: %w", err)
	}

	var store service.ComplaintStore
	if pg.Enabled() {
		profiles, err := repository.NewDepartmentSLARepository(pg.Pool).ListProfiles(ctx)
		if err != nil {
			return fmt.Errorf("load department sla: %w", err)
		}
		if len(profiles) > 0 {
			table = table.WithDepartments(profiles)
			if err := table.Validate(); err != nil {
				return fmt.Errorf("department sla rows: %w", err)
			}
			logger.Info("department sla overrides loaded", zap.Int("departments", len(profiles)))
		}
		store = repository.NewComplaintRepository(pg.Pool)
	}

	calc, err := sla.NewCalculator(table)
	if err != nil {
		return fmt.Errorf("sla table: %w", err)
	}

	dispatcher := events.NewInMemoryDispatcher()
	service.NewNotificationService(dispatcher, logger, cfg.Notification).RegisterHandlers()

	publishers := events.Fanout{dispatcher}
	if producer := events.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic); producer != nil {
		publishers = append(publishers, producer)
		defer producer.Close() //nolint:errcheck
		logger.Info("kafka event stream enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	sink := events.NewSink(publishers, cfg.Engine.PublishTimeout, logger, metrics)

	complaints := service.NewComplaintService(service.ComplaintDependencies{
		Calculator:        calc,
		Ladder:            escalation.NewLadder(table),
		Sink:              sink,
		Store:             store,
		Logger:            logger,
		Metrics:           metrics,
		EvaluationTimeout: cfg.Engine.EvaluationTimeout,
		MutationTimeout:   cfg.Engine.MutationTimeout,
		StuckAfter:        cfg.Engine.StuckAfter,
	})
	if _, err := complaints.Restore(ctx); err != nil {
		return err
	}

	var (
		guard worker.SweepGuard = worker.NewLocalGuard()
		rdb   *persistence.Redis
	)
	if cfg.Engine.SweepGuard == config.SweepGuardRedis {
		rdb, err = persistence.NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		guard = worker.NewRedisGuard(rdb.Client, cfg.Engine.SweepGuardTTL)
	}

	tracker := worker.NewTracker(complaints, sink, guard, worker.TrackerConfig{
		TickInterval:    cfg.Engine.TickInterval,
		ReminderCadence: cfg.Engine.ReminderCadence,
		LeadTime:        cfg.Engine.DeadlineLeadTime,
		Concurrency:     cfg.Engine.SweepConcurrency,
		DegradedAfter:   cfg.Engine.DegradedAfter,
		StuckAfter:      cfg.Engine.StuckAfter,
	}, logger, metrics)
	tracker.Start(ctx)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:     handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, rdb, sink.PendingCount),
		Complaints: handlers.NewComplaintsHandler(complaints, sink, logger),
		Metrics:    metrics,
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()))
		listenErr <- app.Listen(cfg.App.Addr())
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-listenErr:
		if err != nil {
			logger.Error("fiber listen", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := tracker.Stop(shutdownCtx); err != nil {
		logger.Warn("tracker did not stop in time", zap.Error(err))
	}
	if n, err := sink.Flush(shutdownCtx); err != nil {
		logger.Warn("events still buffered at shutdown", zap.Int("delivered", n), zap.Int("pending", sink.PendingCount()), zap.Error(err))
	}
	return nil
}

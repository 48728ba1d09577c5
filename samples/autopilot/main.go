// Command autopilot runs the workflow engine against a demo task set: it
// seeds a few users and tasks, processes their events and keeps the
// scheduler scanning for due and overdue work until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/backend/memory"
	"github.com/flowsmith/taskflow/backend/mysql"
	"github.com/flowsmith/taskflow/backend/sqlite"
	"github.com/flowsmith/taskflow/config"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/engine"
	"github.com/flowsmith/taskflow/notify"
	"github.com/flowsmith/taskflow/notify/redisnotify"
	"github.com/flowsmith/taskflow/scheduler"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.LoadRuntime()
	if err != nil {
		logger.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	tp, err := tracerProvider(ctx, cfg)
	if err != nil {
		logger.Error("setting up tracing", "error", err)
		os.Exit(1)
	}

	if tp != nil {
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())
	}

	store, seeder, err := newStore(cfg)
	if err != nil {
		logger.Error("setting up store", "error", err)
		os.Exit(1)
	}

	queue := notify.NewQueue(newSink(cfg, logger), notify.WithQueueLogger(logger))
	queue.Start(ctx)
	defer queue.WaitForCompletion()

	opts := []engine.Option{
		engine.WithNotifier(queue),
		engine.WithLogger(logger),
		engine.WithWorkloadCache(1024, 30*time.Second),
	}

	if tp != nil {
		opts = append(opts, engine.WithTracerProvider(tp))
	}

	if cfg.RuleFile != "" {
		extra, err := config.LoadRules(cfg.RuleFile)
		if err != nil {
			logger.Error("loading rules", "error", err)
			os.Exit(1)
		}

		opts = append(opts, engine.WithRules(extra...))
	}

	if cfg.SLAFile != "" {
		sla, err := config.LoadSLA(cfg.SLAFile)
		if err != nil {
			logger.Error("loading sla configuration", "error", err)
			os.Exit(1)
		}

		opts = append(opts,
			engine.WithSLAConfig(sla.Config),
			engine.WithCalendar(sla.Calendar),
			engine.WithEscalationPolicy(sla.Policy))
	}

	e, err := engine.New(store, opts...)
	if err != nil {
		logger.Error("creating engine", "error", err)
		os.Exit(1)
	}

	if err := seed(ctx, seeder, e, logger); err != nil {
		logger.Error("seeding demo data", "error", err)
		os.Exit(1)
	}

	s := scheduler.New(store, e,
		scheduler.WithInterval(cfg.ScanInterval),
		scheduler.WithLogger(logger))

	logger.Info("scheduler running", "interval", cfg.ScanInterval)

	if err := s.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler stopped", "error", err)
		os.Exit(1)
	}
}

// userStore is the seeding surface shared by all store implementations.
type userStore interface {
	backend.TaskStore
	SaveUser(ctx context.Context, user *core.User) error
}

func newStore(cfg *config.Runtime) (backend.TaskStore, userStore, error) {
	switch cfg.Store {
	case "memory":
		s := memory.NewStore()
		return s, s, nil

	case "sqlite":
		if cfg.DSN == "" {
			s := sqlite.NewInMemoryStore()
			return s, s, nil
		}

		s := sqlite.NewSqliteStore(cfg.DSN)
		return s, s, nil

	case "mysql":
		mc, err := gomysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing mysql dsn: %w", err)
		}

		host, portStr, err := net.SplitHostPort(mc.Addr)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing mysql address: %w", err)
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing mysql port: %w", err)
		}

		s := mysql.NewMysqlStore(host, port, mc.User, mc.Passwd, mc.DBName)
		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func newSink(cfg *config.Runtime, logger *slog.Logger) notify.Sink {
	if cfg.RedisAddr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{cfg.RedisAddr},
		})

		rn := redisnotify.New(client)

		return notify.SinkFunc(rn.Notify)
	}

	return notify.SinkFunc(func(ctx context.Context, n notify.Notification) error {
		logger.Info("notification", "type", n.Type, "task", n.TaskID, "recipients", n.Recipients)
		return nil
	})
}

func tracerProvider(ctx context.Context, cfg *config.Runtime) (*sdktrace.TracerProvider, error) {
	if !cfg.Trace {
		return nil, nil
	}

	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("taskflow autopilot"),
		attribute.String("environment", "sample"),
	)

	stdoutexp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSyncer(stdoutexp),
		sdktrace.WithResource(r),
	}

	if cfg.TraceEndpoint != "" {
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.TraceEndpoint),
			otlptracehttp.WithInsecure())

		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}

		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

func seed(ctx context.Context, store userStore, e *engine.Engine, logger *slog.Logger) error {
	users := []*core.User{
		{ID: "ada", Name: "Ada", IsActive: true, Role: "developer", Team: "platform", Skills: []string{"go", "sql"}},
		{ID: "grace", Name: "Grace", IsActive: true, Role: "developer", Team: "platform", Skills: []string{"go"}},
		{ID: "linus", Name: "Linus", IsActive: true, Role: "manager", Team: "platform"},
	}

	for _, u := range users {
		if err := store.SaveUser(ctx, u); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	overdue := now.Add(-2 * time.Hour)
	soon := now.Add(4 * time.Hour)

	tasks := []*core.Task{
		{ID: "pay-101", Title: "Fix payment gateway timeout", Status: core.StatusTodo, Priority: core.PriorityCritical, CreatedAt: now, CreatorID: "linus"},
		{ID: "pay-102", Title: "Rotate API credentials", Status: core.StatusInProgress, Priority: core.PriorityHigh, CreatedAt: now, DueDate: &overdue, Assignees: []string{"ada"}, CreatorID: "linus"},
		{ID: "pay-103", Title: "Update runbook", Status: core.StatusTodo, Priority: core.PriorityLow, CreatedAt: now, DueDate: &soon, Assignees: []string{"grace"}, CreatorID: "linus"},
	}

	for _, task := range tasks {
		if err := store.SaveTask(ctx, task); err != nil {
			return err
		}

		results, err := e.ProcessEvent(ctx, task, core.TriggerTaskCreated, nil, nil, nil)
		if err != nil {
			return err
		}

		logger.Info("processed", "task", task.ID, "results", results)
	}

	return nil
}

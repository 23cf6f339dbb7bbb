package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/chainrun/internal/evals"
	"github.com/rendis/chainrun/internal/experiment"
	"github.com/rendis/chainrun/internal/gateway"
	"github.com/rendis/chainrun/internal/logging"
	"github.com/rendis/chainrun/internal/panel"
	"github.com/rendis/chainrun/internal/queue"
	"github.com/rendis/chainrun/internal/registry"
	"github.com/rendis/chainrun/internal/runs"
	"github.com/rendis/chainrun/internal/scheduler"
	"github.com/rendis/chainrun/internal/simulator"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
	"github.com/rendis/chainrun/internal/validation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("chainrun exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(chainrunDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore("file:"+cfg.DBPath, int64(cfg.RunEventCap))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	reg := registry.NewRegistry(st, hub, logger)
	forwarder := streaming.NewForwarder(st, hub, reg, cfg.streamIdleGrace(), logger)
	q := queue.NewQueue(st, hub, logger)
	controller := registry.NewController(reg, q, st, hub, cfg.stopWait(), logger)

	executor := gateway.NewDocumentClient(cfg.ExecutorURL, 0)
	spans := gateway.NewSpanClient(cfg.TracingURL, 0)
	evaluator, err := evals.NewCELExecutor(logger)
	if err != nil {
		return err
	}
	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}

	sim := simulator.NewSimulator(executor, forwarder, logger)
	runner := runs.NewRunner(executor, reg, forwarder, sim, q, logger)

	worker := queue.NewWorker(q, queue.WorkerConfig{
		Queues:      []string{runs.QueueRuns},
		Concurrency: cfg.PoolSize,
	}, logger)
	worker.Register(runs.JobBackgroundRun, runner.Handler())
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", "error", err)
		}
	}()

	experiments := experiment.NewService(st, hub, executor, evaluator, spans,
		forwarder, sim, validator, experiment.WorkflowConfig{RowConcurrency: cfg.RowConcurrency}, logger)

	sched := scheduler.NewScheduler(st, experiments, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed schedule recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	var server *http.Server
	if cfg.Panel {
		p := panel.NewServer(panel.Deps{
			Store:       st,
			Hub:         hub,
			Registry:    reg,
			Controller:  controller,
			Experiments: experiments,
			Logger:      logger,
		})
		server = &http.Server{Addr: cfg.ListenAddr, Handler: p.Handler()}
		go func() {
			logger.Info("panel listening", "addr", cfg.ListenAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("panel server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	experiments.Shutdown()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

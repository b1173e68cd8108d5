package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/fencekit"
	"github.com/yourusername/fencekit/api"
	"github.com/yourusername/fencekit/config"
	"github.com/yourusername/fencekit/fanout"
	"github.com/yourusername/fencekit/logging"
	"github.com/yourusername/fencekit/metrics"
	"github.com/yourusername/fencekit/queue"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	metricsAddr := flag.String("metrics-addr", ":9091", "Address for /metrics and /health, empty to disable")
	flag.Parse()

	if err := run(*configFile, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(configFile, metricsAddr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := fencekit.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New("fencekit")

	q, err := fencekit.NewWorkQueue(st, cfg.Queue.Name, append(fencekit.QueueOptions(cfg.Queue),
		queue.WithLogger(logger),
		queue.WithRecorder(m),
	)...)
	if err != nil {
		return err
	}

	sender := fanout.NewLogSender(logger,
		fanout.WithDelay(cfg.Sender.Delay),
		fanout.WithFailureRate(cfg.Sender.FailureRate),
		fanout.WithOutageRate(cfg.Sender.OutageRate),
	)

	registry := queue.NewRegistry()
	registry.Register(fanout.JobType, fanout.Handler(sender, logger))

	pool := queue.NewPool(q, registry,
		queue.WithWorkers(cfg.Queue.Workers),
		queue.WithPollInterval(cfg.Queue.PollInterval),
		queue.WithPoolLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})

	if metricsAddr != "" {
		r := chi.NewRouter()
		r.Method(http.MethodGet, "/metrics", m.Handler())
		r.Method(http.MethodGet, "/health", api.NewHealthHandler(st))
		srv := &http.Server{Addr: metricsAddr, Handler: r}

		g.Go(func() error {
			logger.Info("metrics listener starting", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("worker started",
		zap.String("queue", cfg.Queue.Name),
		zap.Int("workers", cfg.Queue.Workers),
		zap.Int("max_retries", cfg.Queue.MaxRetries),
	)
	err = g.Wait()
	logger.Info("worker stopped")
	return err
}

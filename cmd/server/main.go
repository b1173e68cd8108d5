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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/fencekit"
	"github.com/yourusername/fencekit/api"
	"github.com/yourusername/fencekit/config"
	"github.com/yourusername/fencekit/idempotency"
	"github.com/yourusername/fencekit/logging"
	"github.com/yourusername/fencekit/metrics"
	"github.com/yourusername/fencekit/queue"
	"github.com/yourusername/fencekit/ratelimit"
)

// limitedRoutes are the route groups that pass through the rate limiter.
var limitedRoutes = []string{"/webhook", "/notifications"}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
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

	limiters, err := fencekit.RateLimiters(st, cfg.RateLimit, limitedRoutes,
		ratelimit.WithLogger(logger),
		ratelimit.WithRecorder(m),
	)
	if err != nil {
		return err
	}

	idem := fencekit.NewIdempotencyStore(st, append(fencekit.IdempotencyOptions(cfg.Idempotency),
		idempotency.WithLogger(logger),
		idempotency.WithRecorder(m),
	)...)

	q, err := fencekit.NewWorkQueue(st, cfg.Queue.Name, append(fencekit.QueueOptions(cfg.Queue),
		queue.WithLogger(logger),
		queue.WithRecorder(m),
	)...)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Store:        st,
		Idempotency:  idem,
		Queue:        q,
		Metrics:      m,
		Logger:       logger,
		CheckPolicy:  fencekit.CheckPolicy(cfg.RateLimit),
		Limiters:     limiters,
		WebhookDelay: cfg.Sender.Delay,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Store.Backend),
			zap.String("dashboard", "http://localhost"+srv.Addr+"/dashboard"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

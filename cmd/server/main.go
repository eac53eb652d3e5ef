package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/realtime/internal/auth"
	"github.com/Tyrowin/realtime/internal/broker"
	"github.com/Tyrowin/realtime/internal/config"
	"github.com/Tyrowin/realtime/internal/logging"
	"github.com/Tyrowin/realtime/internal/metrics"
	"github.com/Tyrowin/realtime/internal/ratelimit"
	"github.com/Tyrowin/realtime/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("REALTIME_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "realtime:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.PublicKeyPath, auth.WithUserClaim(cfg.Auth.UserClaim))
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg.RateLimit, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	m := metrics.New()
	core, err := server.New(cfg, server.Deps{Verifier: verifier, Limiter: limiter, Metrics: m}, logger)
	if err != nil {
		return err
	}

	bridge := newBridge(cfg.Broker, core.Registry(), m, logger)
	if bridge != nil {
		// an unreachable broker at startup is fatal
		if err := bridge.Start(ctx); err != nil {
			return err
		}
	}

	core.Start()
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if bridge == nil {
			return
		}
		if err := bridge.Run(ctx); err != nil {
			logger.Error("broker bridge stopped", zap.Error(err))
		}
	}()

	httpServer := server.CreateServer(cfg.Server.Port, core.Routes())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}
	stop()

	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			logger.Warn("closing broker", zap.Error(err))
		}
	}
	<-bridgeDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := core.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// newLimiter uses the shared store when one is configured and an in-process
// limiter otherwise.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	quota := ratelimit.Quota{Points: cfg.Points, Window: cfg.Window}

	if cfg.StoreURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		store, err := ratelimit.NewRedisFromURL(dialCtx, cfg.StoreURL, cfg.KeyPrefix, quota)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("rate limiter backed by redis", zap.Int("points", cfg.Points), zap.Duration("window", cfg.Window))
		return store, func() { _ = store.Close() }, nil
	}

	mem := ratelimit.NewMemory(quota)
	go mem.Run(ctx)
	logger.Info("rate limiter in memory", zap.Int("points", cfg.Points), zap.Duration("window", cfg.Window))
	return mem, func() {}, nil
}

func newBridge(cfg config.BrokerConfig, fanout broker.Fanout, m *metrics.Metrics, logger *zap.Logger) *broker.Bridge {
	var source broker.Source
	switch cfg.Driver {
	case config.DriverAMQP:
		source = broker.NewAMQPSource(broker.AMQPConfig{
			URL:        cfg.URL,
			Exchange:   cfg.Exchange,
			Queue:      cfg.Queue,
			BindingKey: cfg.BindingKey,
		}, logger)
	case config.DriverNATS:
		source = broker.NewNATSSource(broker.NATSConfig{
			URL:     cfg.URL,
			Subject: cfg.BindingKey,
			Queue:   cfg.Queue,
		}, logger)
	default:
		logger.Info("broker disabled")
		return nil
	}
	return broker.NewBridge(source, fanout, logger,
		broker.WithMetrics(m),
		broker.WithReconnect(cfg.ReconnectMin, cfg.ReconnectMax),
	)
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/developer-mesh/collabsync/apps/relay/internal/api"
	"github.com/developer-mesh/collabsync/apps/relay/internal/bridge"
	"github.com/developer-mesh/collabsync/apps/relay/internal/hub"
	"github.com/developer-mesh/collabsync/apps/relay/internal/metrics"
	"github.com/developer-mesh/collabsync/pkg/config"
	"github.com/developer-mesh/collabsync/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE:  runServe,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "environment:   %s\n", cfg.Environment)
		fmt.Fprintf(out, "listen:        %s\n", cfg.Relay.ListenAddress)
		fmt.Fprintf(out, "redis bridge:  %t\n", cfg.Redis.Enabled)
		fmt.Fprintf(out, "tracing:       %t\n", cfg.Observability.Tracing.Enabled)
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Observability.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(level string) observability.Logger {
	logger := observability.NewStandardLogger("relay")
	if std, ok := logger.(*observability.StandardLogger); ok {
		return std.WithLevel(observability.ParseLogLevel(level))
	}
	return logger
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Observability.Logging.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	h := hub.New(hub.ConfigFrom(cfg.Relay), logger.WithPrefix("hub"), m)
	server := api.NewServer(cfg.Relay, h, logger.WithPrefix("api"), reg, version)

	var b *bridge.Bridge
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}

		b, err = bridge.New(client, bridge.Config{
			ChannelPrefix:  cfg.Redis.ChannelPrefix,
			EchoCacheSize:  cfg.Redis.EchoCacheSize,
			MaxFailures:    cfg.Redis.Breaker.MaxFailures,
			BreakerTimeout: cfg.Redis.Breaker.Timeout,
		}, h, logger, m)
		if err != nil {
			return err
		}
		if err := b.Start(ctx); err != nil {
			return err
		}
		h.SetPublisher(b)
		server.SetBridge(b)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
		}
		stop()
	case <-ctx.Done():
		logger.Info("Received shutdown signal", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if b != nil {
		if err := b.Stop(); err != nil {
			logger.Warn("Bridge stop error", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown error", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("Shutdown complete", nil)
	return nil
}

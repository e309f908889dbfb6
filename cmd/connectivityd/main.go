// connectivityd runs connection coordinators behind a CloudEvents HTTP
// gateway.
//
// Usage:
//
//	connectivityd [--config file] [--http-addr addr] [--redis-addr addr] [--memory]
//
// Configuration is read from the optional YAML file and CONNECTIVITY_*
// environment variables; flags override both. With --memory, connections
// and the registry live in process memory and nothing survives a restart.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/raujonas/ditto/adapters"
	"github.com/raujonas/ditto/config"
	"github.com/raujonas/ditto/connection"
	"github.com/raujonas/ditto/connlog"
	"github.com/raujonas/ditto/coordinator"
	"github.com/raujonas/ditto/gateway"
	"github.com/raujonas/ditto/journal"
	"github.com/raujonas/ditto/registry"
	"github.com/raujonas/ditto/retry"
	"github.com/raujonas/ditto/workerpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		httpAddr   string
		redisAddr  string
		memory     bool
	)
	flags := pflag.NewFlagSet("connectivityd", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flags.StringVar(&httpAddr, "http-addr", "", "listen address of the HTTP gateway (overrides http.addr)")
	flags.StringVar(&redisAddr, "redis-addr", "", "address of the Redis server (overrides redis.addr)")
	flags.BoolVar(&memory, "memory", false, "keep connections and the registry in memory")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath, config.Loader{})
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		jrnl journal.Journal
		reg  registry.Registry
	)
	if memory {
		jrnl = journal.NewMemory()
		reg = registry.NewMemory()
		logger.Warn("Running with in-memory journal and registry")
	} else {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		ping := retry.Config{
			Backoff:     retry.ConstantBackoff(time.Second, 0.2),
			MaxAttempts: 5,
			Timeout:     30 * time.Second,
		}
		if err := retry.Do(ctx, ping, func(ctx context.Context) error {
			err := client.Ping(ctx).Err()
			if err != nil {
				logger.Warn("Redis not reachable", "addr", cfg.Redis.Addr, "error", err)
			}
			return err
		}); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		jrnl = journal.NewRedis(client, cfg.Redis.KeyPrefix)
		r := registry.NewRedis(client, registry.RedisConfig{
			KeyPrefix:   cfg.Redis.KeyPrefix,
			AckLabelTTL: cfg.Redis.AckLabelTTL,
			Logger:      logger.With("component", "registry"),
		})
		defer r.Close()
		reg = r
	}

	logCfg := connlog.Config{
		Capacity:  cfg.Monitoring.Logger.Capacity,
		Retention: cfg.Monitoring.Logger.Retention,
		MaxBytes:  cfg.Monitoring.Logger.MaxLogSizeBytes,
	}
	factory := adapters.NewFactory(adapters.ClientConfig{
		LogDuration: cfg.Monitoring.Logger.LogDuration,
		Log:         logCfg,
	})
	region := coordinator.NewRegion(coordinator.Config{
		Journal:   jrnl,
		Registry:  reg,
		Factory:   factory,
		Validator: coordinator.DefaultValidator{Supports: factory.Supports},
		Pool: workerpool.Config{
			InboxSize: cfg.Connection.ClientInboxSize,
			Logger:    logger.With("component", "workerpool"),
		},
		ClientAskTimeout:      cfg.Connection.ClientAskTimeout,
		RetrieveTimeout:       cfg.Connection.RetrieveTimeout,
		DeclareInterval:       cfg.Connection.AckLabelDeclareInterval,
		AckForwarderTimeout:   cfg.Connection.AckForwarderTimeout,
		InboxSize:             cfg.Connection.InboxSize,
		MaxClientsPerNode:     cfg.Connection.ClientActorsPerNode,
		ActivityCheckInterval: cfg.Connection.ActivityCheckInterval,
		SnapshotThreshold:     cfg.Connection.SnapshotThreshold,
		LogDuration:           cfg.Monitoring.Logger.LogDuration,
		LoggingCheckInterval:  cfg.Monitoring.Logger.LoggingActiveCheckInterval,
		Log:                   logCfg,
		DefaultAckSink: connection.RecipientFunc(func(msg any) {
			if a, ok := msg.(*connection.Acknowledgement); ok {
				logger.Debug("Acknowledgement without requester", "label", a.Label, "correlationId", a.CorrelationID, "status", a.StatusCode)
			}
		}),
		Logger: logger.With("component", "coordinator"),
	})

	if err := region.WakeUp(ctx); err != nil {
		logger.Error("Waking up connections failed", "error", err)
	}
	logger.Info("Connections restored", "count", region.Len())

	mux := http.NewServeMux()
	mux.Handle("/events", gateway.NewHandler(gateway.Config{
		Commands:  region,
		Publisher: reg,
		Timeout:   cfg.Connection.ClientAskTimeout,
		Logger:    logger.With("component", "gateway"),
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", "addr", cfg.HTTP.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Gateway shutdown failed", "error", err)
	}
	return region.Stop(shutdownCtx)
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

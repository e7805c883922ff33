package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopchain/config"
	"shopchain/core/events"
	"shopchain/core/state"
	"shopchain/observability/logging"
	telemetry "shopchain/observability/otel"
	"shopchain/services/escrow-gateway/indexer"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis YAML file (overrides config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *genesisFlag != "" {
		cfg.GenesisFile = *genesisFlag
	}

	logger := logging.SetupWithOptions(logging.Options{
		Service:    "shopchaind",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("shopchaind exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer db.Close()
	manager := state.NewManager(db)

	if err := applyGenesis(cfg.GenesisFile, manager, logger); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	emitters := events.MultiEmitter{}
	var idx *indexer.Indexer
	if cfg.Gateway.Enabled {
		indexDB, err := openIndex(cfg.Gateway)
		if err != nil {
			return err
		}
		if sqlDB, err := indexDB.DB(); err == nil {
			defer sqlDB.Close()
		}
		idx = indexer.New(indexDB, logger.With(slog.String("component", "indexer")))
		idx.SetWriteTimeout(cfg.Gateway.IndexWriteTimeout())
		emitters = append(emitters, idx)
		logger.Info("deal index ready",
			slog.String("driver", cfg.Gateway.IndexDriver),
			slog.String("dsn", logging.MaskDSN(cfg.Gateway.IndexDSN)))

		rt, err := newRuntime(cfg, manager, emitters, logger)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              cfg.Gateway.ListenAddress,
			Handler:           newGatewayServer(rt, indexDB, idx, cfg.Gateway, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.Gateway.ReadTimeout(),
			WriteTimeout:      cfg.Gateway.WriteTimeout(),
		}
		return serve(ctx, srv, logger)
	}

	if _, err := newRuntime(cfg, manager, emitters, logger); err != nil {
		return err
	}
	logger.Info("ledger ready; gateway disabled", slog.String("backend", cfg.Backend))
	<-ctx.Done()
	return nil
}

// serve runs srv until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

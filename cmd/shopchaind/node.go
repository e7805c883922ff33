package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"shopchain/config"
	"shopchain/core/events"
	"shopchain/core/genesis"
	"shopchain/core/runtime"
	"shopchain/core/state"
	gwmw "shopchain/gateway/middleware"
	"shopchain/native/escrow"
	"shopchain/native/system"
	"shopchain/observability/logging"
	"shopchain/services/escrow-gateway/indexer"
	"shopchain/services/escrow-gateway/models"
	escrowserver "shopchain/services/escrow-gateway/server"
	"shopchain/storage"
)

// openStore opens the ledger key-value store selected by cfg.Backend.
func openStore(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "ledger.bolt"))
	case config.BackendLevelDB:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// openIndex connects the gateway deal index and migrates its schema.
func openIndex(gw config.Gateway) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch gw.IndexDriver {
	case config.IndexDriverPostgres:
		dialector = postgres.Open(gw.IndexDSN)
	case config.IndexDriverSQLite:
		dialector = sqlite.Open(gw.IndexDSN)
	default:
		return nil, fmt.Errorf("unknown index driver %q", gw.IndexDriver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", logging.MaskDSN(gw.IndexDSN), err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return db, nil
}

// applyGenesis seeds balances from path when set. An empty path leaves the
// ledger as stored.
func applyGenesis(path string, manager *state.Manager, logger *slog.Logger) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	spec, err := genesis.Load(path)
	if err != nil {
		return err
	}
	applied, err := genesis.Apply(spec, manager)
	if err != nil {
		return err
	}
	logger.Info("genesis",
		slog.String("file", path),
		slog.Bool("applied", applied),
		slog.Int("allocations", len(spec.Allocations())),
		slog.Time("genesis_time", spec.GenesisTimestamp()))
	return nil
}

// newRuntime registers the native programs against manager.
func newRuntime(cfg *config.Config, manager *state.Manager, emitter events.Emitter, logger *slog.Logger) (*runtime.Runtime, error) {
	rt := runtime.New(manager,
		runtime.WithRent(state.Rent{
			LamportsPerByteYear: cfg.Rent.LamportsPerByteYear,
			ExemptionYears:      cfg.Rent.ExemptionYears,
		}),
		runtime.WithEmitter(emitter),
		runtime.WithLogger(logger),
	)
	if err := rt.Register(system.Program{}); err != nil {
		return nil, err
	}
	if err := rt.Register(escrow.NewEngine()); err != nil {
		return nil, err
	}
	return rt, nil
}

func rateLimits(gw config.Gateway) map[string]gwmw.RateLimit {
	if gw.RateLimitPerSec <= 0 {
		return nil
	}
	limit := gwmw.RateLimit{RatePerSecond: gw.RateLimitPerSec, Burst: gw.RateLimitBurst}
	return map[string]gwmw.RateLimit{
		escrowserver.LimitDeals:        limit,
		escrowserver.LimitTransactions: limit,
		escrowserver.LimitReads:        {RatePerSecond: gw.RateLimitPerSec * 4, Burst: gw.RateLimitBurst * 4},
	}
}

func newGatewayServer(rt *runtime.Runtime, db *gorm.DB, idx *indexer.Indexer, gw config.Gateway, logger *slog.Logger) *escrowserver.Server {
	return escrowserver.New(escrowserver.Config{
		Ledger:     rt,
		Index:      idx,
		DB:         db,
		Logger:     logger.With(slog.String("component", "gateway")),
		RateLimits: rateLimits(gw),
	})
}

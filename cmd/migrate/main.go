// migrate applies the durable-tier schema from embedded SQL to the sqlite or postgres
// backend named by STORAGE_DRIVER / STORAGE_DSN; use go run ./cmd/migrate.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"dispatch-admin/console/internal/config"
	"dispatch-admin/console/internal/db/migrate"
	"dispatch-admin/console/internal/logger"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.LoadBase()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.Env).With(logger.Component("migrate"))
	defer func() { _ = log.Sync() }()

	if cfg.StorageDriver != config.StorageSQLite && cfg.StorageDriver != config.StoragePostgres {
		log.Fatal("migrations apply to the sqlite and postgres drivers only", zap.String("driver", cfg.StorageDriver))
	}

	if err := migrate.Run(cfg.StorageDriver, cfg.StorageDSN, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			// Already at target version; success.
			return
		}
		log.Fatal("migrate failed", zap.Error(err))
	}
	version, dirty, err := migrate.Version(cfg.StorageDriver, cfg.StorageDSN)
	if err != nil {
		log.Warn("read schema version", zap.Error(err))
		return
	}
	log.Info("migrations applied", zap.String("direction", *direction), zap.Uint("version", version), zap.Bool("dirty", dirty))
}

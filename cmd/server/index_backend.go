package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"radicalpixels.io/internal/persistence/indexdb"
	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/sim/tuning"
)

// openRuntimeIndex returns nil when indexing is disabled. The backend comes
// from the config and may be overridden with RADICALPIXELS_INDEX_BACKEND.
func openRuntimeIndex(ctx context.Context, registryDir string, tune tuning.Tuning, disableDB bool, logger *log.Logger) (indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("RADICALPIXELS_INDEX_BACKEND")))
	if backend == "" {
		backend = tune.Index.Backend
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "", "sqlite":
		dbPath := filepath.Join(registryDir, "index", "registry.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "postgres":
		idx, err := indexdb.OpenPostgres(ctx, indexdb.PostgresConfig{
			DB:         tune.Index.Postgres,
			RegistryID: tune.RegistryID,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", backend)
	}
}

// indexLogger keeps a nil index from becoming a non-nil interface value.
func indexLogger(idx indexdb.Index) registry.ReceiptLogger {
	if idx == nil {
		return nil
	}
	return idx
}

// multiReceiptLogger fans receipts out in order. The first logger is the
// durable log; failures of the others are ignored.
type multiReceiptLogger []registry.ReceiptLogger

func (m multiReceiptLogger) WriteReceipt(rc registry.Receipt) error {
	var first error
	for i, l := range m {
		if l == nil {
			continue
		}
		if err := l.WriteReceipt(rc); err != nil && i == 0 {
			first = err
		}
	}
	return first
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hexclaim.io/internal/persistence/pgstore"
	"hexclaim.io/internal/persistence/sqlitestore"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/tuning"
)

// store is what the server needs from either backend.
type store interface {
	territory.Backend
	territory.ProfileStore
	Dump(ctx context.Context) ([]territory.Profile, []territory.Zone, error)
	Restore(ctx context.Context, profiles []territory.Profile, zones []territory.Zone) error
	Close() error
}

// openStore picks the backend from HEXCLAIM_STORE: "sqlite" (default) keeps a
// file under dataDir, "postgres" dials HEXCLAIM_PG_DSN.
func openStore(ctx context.Context, kind, dataDir string, econ tuning.Economy, logger *log.Logger) (store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "sqlite":
		path := filepath.Join(dataDir, "hexclaim.sqlite")
		logger.Printf("store: sqlite %s", path)
		return sqlitestore.Open(path, sqlitestore.Options{Economy: econ, Logger: logger})
	case "postgres", "pg":
		dsn := strings.TrimSpace(os.Getenv("HEXCLAIM_PG_DSN"))
		if dsn == "" {
			return nil, fmt.Errorf("HEXCLAIM_PG_DSN is required for the postgres store")
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		logger.Printf("store: postgres")
		return pgstore.Open(ctx2, dsn, pgstore.Options{Economy: econ, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

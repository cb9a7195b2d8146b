package manager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	internalstore "github.com/goran-ethernal/MultiChainIndexor/internal/store"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
)

// StoreOpener opens the entity store of a deployment. Stores are keyed by locator so a name
// redeployed under a new hash starts from an empty store.
type StoreOpener func(loc indexer.DeploymentLocator, window uint64) store.Store

// SQLiteStores opens deployment stores in the shared SQLite database.
func SQLiteStores(sqlDB *sql.DB, maintenance db.Maintenance, log *logger.Logger) StoreOpener {
	return func(loc indexer.DeploymentLocator, window uint64) store.Store {
		return internalstore.NewSQLiteStore(sqlDB, loc.String(), window, maintenance, log)
	}
}

// PostgresStores opens deployment stores on a shared postgres pool.
func PostgresStores(pg *internalstore.PostgresDB, log *logger.Logger) StoreOpener {
	return func(loc indexer.DeploymentLocator, window uint64) store.Store {
		return internalstore.NewPostgresStore(pg, loc.String(), window, log)
	}
}

// NewStoreOpener selects the store backend configured in cfg. The returned close function
// releases the backend's connections.
func NewStoreOpener(
	ctx context.Context,
	cfg config.StoreConfig,
	sqlDB *sql.DB,
	maintenance db.Maintenance,
	log *logger.Logger,
) (StoreOpener, func(), error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite, "":
		return SQLiteStores(sqlDB, maintenance, log), func() {}, nil
	case config.StoreDriverPostgres:
		pg, err := internalstore.NewPostgresDB(ctx, cfg.PostgresURL, cfg.MaxConnections, log)
		if err != nil {
			return nil, nil, err
		}
		return PostgresStores(pg, log), pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

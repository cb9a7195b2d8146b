package migrations

import (
	"database/sql"
	_ "embed"

	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
)

//go:embed 001_chain_cursors.sql
var mig001 string

//go:embed 002_block_hashes.sql
var mig002 string

//go:embed 003_registrar.sql
var mig003 string

//go:embed 004_entity_store.sql
var mig004 string

// All returns every migration of the indexer database in order.
func All() []db.Migration {
	return []db.Migration{
		{ID: "001_chain_cursors.sql", SQL: mig001},
		{ID: "002_block_hashes.sql", SQL: mig002},
		{ID: "003_registrar.sql", SQL: mig003},
		{ID: "004_entity_store.sql", SQL: mig004},
	}
}

// RunMigrations runs all migrations on the database at dbPath.
func RunMigrations(dbPath string) error {
	return db.RunMigrations(dbPath, All())
}

// RunMigrationsDB runs all migrations on an open database.
func RunMigrationsDB(log *logger.Logger, sqlDB *sql.DB) error {
	return db.RunMigrationsDB(log, sqlDB, All())
}

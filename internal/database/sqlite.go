package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/notebridge/notebridge/internal/notebook"
	"github.com/notebridge/notebridge/internal/relay"
	"github.com/notebridge/notebridge/internal/snapshot"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&notebook.Notebook{},
		&notebook.Token{},
		&notebook.NotebookTokenLink{},
		&snapshot.Page{},
		&snapshot.PageNotebookLink{},
		&relay.Message{},
		&relay.OnlineClient{},
		&relay.ClientSession{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := clearStaleOnlineClients(db); err != nil && logger != nil {
		logger.Warn("stale client cleanup failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// clearStaleOnlineClients drops presence rows left behind by a previous
// process. Connections do not survive a restart, so any row present at
// startup is stale.
func clearStaleOnlineClients(db *gorm.DB) error {
	return db.Exec("DELETE FROM online_clients;").Error
}

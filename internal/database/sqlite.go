package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sitekit/teamsync/internal/people"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite opens the team mirror database at path, migrates the schema
// and applies any pending data migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; one pooled connection keeps refresh
	// transactions and optimistic role writes serialized.
	pool, err := db.DB()
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&people.TeamMember{}, &people.SyncState{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("team mirror ready", zap.String("path", path))
	}

	return db, nil
}

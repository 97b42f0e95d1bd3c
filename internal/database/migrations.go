package database

import (
	"errors"
	"time"

	"github.com/sitekit/teamsync/internal/people"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeLegacyRoleSlugs = "2026-06-18_normalize_legacy_role_slugs"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "schema_migrations"
}

type dataMigration struct {
	name  string
	apply func(*gorm.DB) error
}

// applyMigrations runs every data migration that has no record yet. Each
// completed step stamps a migrationRecord row, so reruns are no-ops.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	steps := []dataMigration{
		{name: migrationNormalizeLegacyRoleSlugs, apply: normalizeLegacyRoleSlugs},
	}

	for _, step := range steps {
		var applied migrationRecord
		err := db.Where("name = ?", step.name).Take(&applied).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := step.apply(db); err != nil {
			return err
		}
		stamp := migrationRecord{Name: step.name, AppliedAtSeconds: time.Now().UTC().Unix()}
		if err := db.Create(&stamp).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("data migration applied", zap.String("migration", step.name))
		}
	}
	return nil
}

// normalizeLegacyRoleSlugs rewrites the short admin slug stored by imports
// that predate the canonical role set.
func normalizeLegacyRoleSlugs(db *gorm.DB) error {
	return db.Model(&people.TeamMember{}).
		Where("role = ?", "admin").
		Update("role", people.RoleAdministrator.String()).Error
}

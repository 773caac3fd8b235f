package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pictures with palettes
		{
			ID: "001_pictures",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Picture{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("pictures")
			},
		},

		// Migration 002: sync run history
		{
			ID: "002_sync_runs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SyncRun{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sync_runs")
			},
		},

		// Migration 003: partial index for the "needs sync" scan
		{
			ID: "003_pictures_pending_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_pictures_pending
					ON pictures (id) WHERE indexed_at IS NULL AND deleted_at IS NULL`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_pictures_pending").Error
			},
		},
	})

	return m.Migrate()
}

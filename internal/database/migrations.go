package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneOrphanFavorites = "2026-10-01_prune_orphan_favorites"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// documentMigrations run once each, in order, against the documents table.
var documentMigrations = []struct {
	name  string
	apply func(*gorm.DB) error
}{
	{name: migrationPruneOrphanFavorites, apply: pruneOrphanFavorites},
}

// applyMigrations runs every migration without a record. Each one commits together with its record.
func applyMigrations(db *gorm.DB, logger *zap.Logger) (int, error) {
	applied := 0
	for _, migration := range documentMigrations {
		err := db.Where("name = ?", migration.name).Take(&migrationRecord{}).Error
		switch {
		case err == nil:
			continue
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return applied, fmt.Errorf("database: lookup migration %s: %w", migration.name, err)
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return applied, fmt.Errorf("database: apply migration %s: %w", migration.name, err)
		}
		applied++
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return applied, nil
}

// pruneOrphanFavorites removes favorite edges whose listing was deleted before edges were cleaned up.
func pruneOrphanFavorites(db *gorm.DB) error {
	listingIDs := db.Model(&docstore.DocumentRecord{}).
		Select("document_id").
		Where("collection_path = ?", rooms.ListingsCollection)
	return db.
		Where("collection_path LIKE ?", "users/%/favorites").
		Where("document_id NOT IN (?)", listingIDs).
		Delete(&docstore.DocumentRecord{}).Error
}

package db

import (
	"listsync/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.SyncGroup{},
		&models.Member{},
		&models.MovieState{},
		&models.SyncOperation{},
		&models.SyncState{},
	)
}

package database

import (
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/models"
)

// AutoMigrate creates or updates the database schema for the auth tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.OTPCode{},
		&models.CacheEntry{},
	)
}

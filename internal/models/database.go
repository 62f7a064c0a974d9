package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/huangang/casbridge/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Open connects to the configured database. TranslateError is required: the
// user store relies on gorm.ErrDuplicatedKey to detect creation races.
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func InitDB(cfg *config.DatabaseConfig) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&User{},
		&SystemConfig{},
		&RefreshToken{},
		&SystemLog{},
	); err != nil {
		return err
	}
	return syncUsernameKeys(db)
}

// syncUsernameKeys rewrites username_key for rows created before the column
// existed or under the other matching mode. It fails when two usernames only
// differ by case and case-insensitive matching is on.
func syncUsernameKeys(db *gorm.DB) error {
	var users []User
	if err := db.Select("id", "username", "username_key").Find(&users).Error; err != nil {
		return err
	}
	for _, u := range users {
		key := NormalizeUsername(u.Username)
		if u.UsernameKey == key {
			continue
		}
		err := db.Model(&User{}).Where("id = ?", u.ID).Update("username_key", key).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("username %q collides with another user under case-insensitive matching", u.Username)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func GetDB() *gorm.DB {
	return DB
}

// SeedDefaultData creates the non-CAS system configs when missing.
func SeedDefaultData(db *gorm.DB, jwtCfg *config.JWTConfig) error {
	defaults := []SystemConfig{
		{Key: "auth_access_token_expire_hours", Value: fmt.Sprint(jwtCfg.ExpireHour), Type: "int", Group: "auth", Label: "Access Token Lifetime (hours)"},
		{Key: "auth_refresh_token_expire_hours", Value: "720", Type: "int", Group: "auth", Label: "Refresh Token Lifetime (hours)"},
		{Key: "log_retention_days", Value: "30", Type: "int", Group: "system", Label: "System Log Retention Days"},
	}
	return SeedConfigs(db, defaults)
}

// SeedConfigs inserts every config whose key does not exist yet.
func SeedConfigs(db *gorm.DB, configs []SystemConfig) error {
	now := time.Now()
	for _, cfg := range configs {
		var count int64
		if err := db.Model(&SystemConfig{}).Where(&SystemConfig{Key: cfg.Key}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		cfg.CreatedAt = now
		cfg.UpdatedAt = now
		if err := db.Create(&cfg).Error; err != nil {
			return err
		}
	}
	return nil
}

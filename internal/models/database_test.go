package models

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/huangang/casbridge/internal/config"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(&config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "models.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		SetUsernameFolding(false)
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	return db
}

func TestNormalizeUsername(t *testing.T) {
	defer SetUsernameFolding(false)

	if got := NormalizeUsername("Zera"); got != "Zera" {
		t.Errorf("exact mode: got %q, expected Zera", got)
	}
	SetUsernameFolding(true)
	if got := NormalizeUsername("Zera"); got != "zera" {
		t.Errorf("folding mode: got %q, expected zera", got)
	}
}

func TestCreateFillsUsernameKey(t *testing.T) {
	db := openTestDB(t)
	SetUsernameFolding(true)

	if err := db.Create(&User{Username: "Racer", AuthProvider: AuthProviderLocal}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	err := db.Create(&User{Username: "racer", AuthProvider: AuthProviderCAS}).Error
	if err == nil {
		t.Fatal("expected case variant to violate the unique username key")
	}
}

func TestAutoMigrate_RekeysOnModeSwitch(t *testing.T) {
	db := openTestDB(t)
	if err := db.Create(&User{Username: "Alice", AuthProvider: AuthProviderLocal}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	SetUsernameFolding(true)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}

	var stored User
	if err := db.First(&stored).Error; err != nil {
		t.Fatal(err)
	}
	if stored.UsernameKey != "alice" {
		t.Errorf("UsernameKey = %q, expected alice", stored.UsernameKey)
	}
}

func TestAutoMigrate_RejectsCollidingUsernames(t *testing.T) {
	db := openTestDB(t)
	for _, name := range []string{"Zera", "zera"} {
		if err := db.Create(&User{Username: name, AuthProvider: AuthProviderLocal}).Error; err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	SetUsernameFolding(true)
	err := AutoMigrate(db)
	if err == nil || !strings.Contains(err.Error(), "collides") {
		t.Fatalf("AutoMigrate() error = %v, expected a collision", err)
	}
}

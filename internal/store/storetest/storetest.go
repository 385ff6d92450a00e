// Package storetest opens throwaway sqlite databases for package tests.
package storetest

import (
	"fmt"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/wardlink/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated in-memory database private to t.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// one connection serializes goroutines instead of tripping shared-cache table locks
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SeedUsers inserts users with the given usernames and returns them in order.
func SeedUsers(t *testing.T, db *gorm.DB, usernames ...string) []models.User {
	t.Helper()
	out := make([]models.User, 0, len(usernames))
	for _, name := range usernames {
		u := models.User{Username: name, Role: "patient"}
		if err := db.Create(&u).Error; err != nil {
			t.Fatalf("seed user %s: %v", name, err)
		}
		out = append(out, u)
	}
	return out
}

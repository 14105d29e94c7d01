// Package testutil provides an in-memory store for package tests.
package testutil

import (
	"testing"
	"time"

	"mallflow/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDB opens a private in-memory sqlite database with the pipeline tables
// migrated. A single connection keeps the database alive and serializes
// writers the way row locks would.
func NewDB(t testing.TB, extra ...any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	tables := append([]any{&model.Task{}, &model.OutboxEntry{}, &model.Notification{}}, extra...)
	if err := db.AutoMigrate(tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Now is a UTC wall clock truncated to the second, matching what the store
// round-trips.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Package migrationtest opens throwaway databases with the full schema for tests.
package migrationtest

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/recurra/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite returns a migrated file-backed sqlite handle limited to one
// connection, so concurrent callers queue instead of hitting SQLITE_BUSY.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "recurra.db")
	conn, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

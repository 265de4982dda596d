package database_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nerrad567/mappedcover/internal/infrastructure/database"
	_ "github.com/nerrad567/mappedcover/migrations" // Register embedded migrations
)

// openTestDB creates a database in a temp directory and returns it.
// The database is closed and removed automatically when the test ends.
func openTestDB(t *testing.T) *database.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(database.Config{
		Path:        dbPath,
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})
	return db
}

func TestOpen_CreatesDatabaseFile(t *testing.T) {
	db := openTestDB(t)

	if _, err := os.Stat(db.Path()); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := database.Open(database.Config{
		Path:        dbPath,
		WALMode:     false,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Errorf("database directory not created: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)

	if err := db.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestHealthCheck_ClosedDB(t *testing.T) {
	db := openTestDB(t)
	db.Close() //nolint:errcheck // Intentionally closing early

	if err := db.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() on closed database should return error")
	}
}

func TestMigrate_AppliesSchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// The covers table should exist after migration
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='covers'",
	).Scan(&name)
	if err != nil {
		t.Errorf("covers table not found after migration: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("first Migrate() error = %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	// Each migration should be recorded exactly once
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if count < 1 {
		t.Errorf("schema_migrations count = %d, want at least 1", count)
	}
}

func TestClose_Nil(t *testing.T) {
	db := &database.DB{}
	if err := db.Close(); err != nil {
		t.Errorf("Close() on zero-value DB error = %v", err)
	}
}

package testutil

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// SetupTestDB opens a connection to TEST_PG_DSN. It skips the test if the
// variable is not set. Callers run their own migrations.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		t.Fatalf("failed to reach database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// TestDSN returns TEST_PG_DSN or skips.
func TestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return dsn
}

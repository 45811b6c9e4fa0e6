// Package testutil provides Postgres fixtures for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// Tables lists every table the migrations create, children first so a
// plain TRUNCATE order would also satisfy foreign keys.
var Tables = []string{
	"audit_log",
	"merchant_stats",
	"disputes",
	"fee_jobs",
	"fee_revenue",
	"referral_commissions",
	"fee_transactions",
	"referrals",
	"trades",
	"offers",
	"escrow_holds",
	"balances",
}

// PGTest connects to POSTGRES_URL, migrates the schema to the latest
// version and returns the pool plus a cleanup that empties every table and
// closes the pool. Without POSTGRES_URL the test is skipped.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(migrationsDir(t)))
	if err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: goose provider: %v", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	// A previous run may have died before its cleanup.
	truncate(ctx, t, db)

	return db, func() {
		truncate(ctx, t, db)
		_ = db.Close()
	}
}

// migrationsDir walks up from the package directory to the module's
// migrations/ directory.
func migrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: no migrations/ directory above %s", dir)
		}
		dir = parent
	}
}

func truncate(ctx context.Context, t *testing.T, db *sql.DB) {
	t.Helper()
	// Table names are constants above, not user input.
	stmt := "TRUNCATE " + strings.Join(Tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		t.Logf("pgtest: truncate: %v", err)
	}
}

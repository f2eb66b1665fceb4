package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// allTables is every table the versioned migrations create, in dependency
// order for drops.
var allTables = []string{
	"rate_limit_counters",
	"session_participants",
	"session_results",
	"questions",
	"question_sets",
	"oauth_tokens",
	"kv",
}

// TestRunMigrations tests that migrations can be applied to an empty database
func TestRunMigrations(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping migration test")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	for _, table := range allTables {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty {
		t.Errorf("migration version is dirty")
	}
	if version < 1 {
		t.Errorf("migration version = %d, want >= 1", version)
	}
}

// TestMigrationsIdempotent tests that running migrations multiple times is safe
func TestMigrationsIdempotent(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("first RunMigrations() error = %v", err)
	}

	version1, dirty1, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() after first migration error = %v", err)
	}

	// Second run must be a no-op.
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	version2, dirty2, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() after second migration error = %v", err)
	}

	if version1 != version2 {
		t.Errorf("version changed: %d -> %d (should be stable)", version1, version2)
	}
	if dirty1 != dirty2 {
		t.Errorf("dirty state changed: %v -> %v", dirty1, dirty2)
	}
}

// TestMigrationUpDown tests forward and backward migration
func TestMigrationUpDown(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	var resultsExists bool
	err = db.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_name = 'session_results'
	)`).Scan(&resultsExists)
	if err != nil {
		t.Fatalf("failed to check session_results table: %v", err)
	}
	if !resultsExists {
		t.Fatal("session_results table does not exist after up migration")
	}

	_, err = db.ExecContext(ctx, `INSERT INTO session_results (channel, kind, outcome) VALUES ('testchan', 'train', 'expired')`)
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	versionBefore, _, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() before down error = %v", err)
	}

	if err := MigrateDown(db); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	versionAfter, dirty, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() after down error = %v", err)
	}
	if dirty {
		t.Errorf("migration is dirty after down")
	}
	if versionAfter >= versionBefore {
		t.Errorf("version did not decrease: %d -> %d", versionBefore, versionAfter)
	}

	// Rolling back the index migration must not drop core tables.
	err = db.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_name = 'session_results'
	)`).Scan(&resultsExists)
	if err != nil {
		t.Fatalf("failed to check session_results table after down: %v", err)
	}
	if !resultsExists {
		t.Error("session_results table should still exist after rolling back last migration")
	}

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() after rollback error = %v", err)
	}

	versionFinal, dirty, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() after re-apply error = %v", err)
	}
	if dirty {
		t.Errorf("migration is dirty after re-apply")
	}
	if versionFinal != versionBefore {
		t.Errorf("version after re-apply = %d, want %d", versionFinal, versionBefore)
	}
}

// TestMigrationDownAll tests rolling back all migrations
func TestMigrationDownAll(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	versionStart, _, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}

	for i := uint(0); i < versionStart; i++ {
		if err := MigrateDown(db); err != nil {
			t.Fatalf("MigrateDown() iteration %d error = %v", i, err)
		}
	}

	for _, table := range allTables {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if exists {
			t.Errorf("table %s still exists after rolling back all migrations", table)
		}
	}

	version, _, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() after down all error = %v", err)
	}
	if version != 0 {
		t.Errorf("version after rolling back all = %d, want 0", version)
	}
}

// TestMigrationWithData tests that migrations preserve existing data appropriately
func TestMigrationWithData(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	testSet := "history-test-set"
	_, err = db.ExecContext(ctx, `
		INSERT INTO question_sets (name, source, question_count)
		VALUES ($1, 'csv', 2)
	`, testSet)
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO questions (set_name, position, prompt, answer)
		VALUES ($1, 1, 'What color is the sky?', 'blue'), ($1, 2, 'How many legs does a spider have?', '8')
	`, testSet)
	if err != nil {
		t.Fatalf("failed to insert questions: %v", err)
	}

	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE set_name = $1`, testSet).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query test data: %v", err)
	}
	if count != 2 {
		t.Errorf("question count = %d, want 2", count)
	}

	// Roll back last migration (performance indexes).
	if err := MigrateDown(db); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE set_name = $1`, testSet).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query test data after rollback: %v", err)
	}
	if count != 2 {
		t.Errorf("after rollback: question count = %d, want 2", count)
	}

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() after rollback error = %v", err)
	}

	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE set_name = $1`, testSet).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query test data after re-apply: %v", err)
	}
	if count != 2 {
		t.Errorf("after re-apply: question count = %d, want 2", count)
	}
}

// cleanDatabase drops all tables and the schema_migrations table to start fresh
func cleanDatabase(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()

	for _, table := range allTables {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table+` CASCADE`); err != nil {
			t.Logf("warning: clean database drop %s failed (may be expected): %v", table, err)
		}
	}
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS schema_migrations CASCADE`); err != nil {
		t.Logf("warning: clean database drop schema_migrations failed (may be expected): %v", err)
	}
}

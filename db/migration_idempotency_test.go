package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// primaryKeyColumns returns the comma-joined primary key column list for a table.
func primaryKeyColumns(t *testing.T, ctx context.Context, db *sql.DB, table string) string {
	t.Helper()
	var keyColumns string
	err := db.QueryRowContext(ctx, `
		SELECT string_agg(a.attname, ',' ORDER BY array_position(i.indkey, a.attnum::smallint))
		FROM   pg_index i
		JOIN   pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE  i.indrelid = $1::regclass
		AND    i.indisprimary
	`, table).Scan(&keyColumns)
	if err != nil {
		t.Fatalf("failed to query %s primary key: %v", table, err)
	}
	return keyColumns
}

// TestMigrateIdempotency tests that running Migrate multiple times doesn't
// cause errors and produces the correct schema and constraints.
func TestMigrateIdempotency(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping idempotency test")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close db: %v", err)
		}
	}()

	ctx := context.Background()

	verify := func(t *testing.T) {
		t.Helper()
		if got := primaryKeyColumns(t, ctx, db, "oauth_tokens"); got != "provider" {
			t.Errorf("oauth_tokens primary key = %s, want provider", got)
		}
		if got := primaryKeyColumns(t, ctx, db, "kv"); got != "key" {
			t.Errorf("kv primary key = %s, want key", got)
		}
		if got := primaryKeyColumns(t, ctx, db, "rate_limit_counters"); got != "bucket,window_start" {
			t.Errorf("rate_limit_counters primary key = %s, want bucket,window_start", got)
		}

		// Questions must stay unique per (set_name, position).
		var uniqueExists bool
		err := db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT FROM information_schema.table_constraints
				WHERE table_name = 'questions' AND constraint_type = 'UNIQUE'
			)
		`).Scan(&uniqueExists)
		if err != nil {
			t.Fatalf("failed to query questions unique constraint: %v", err)
		}
		if !uniqueExists {
			t.Errorf("questions is missing its UNIQUE(set_name, position) constraint")
		}
	}

	for i := 1; i <= 3; i++ {
		if err := Migrate(ctx, db); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
		verify(t)
	}
}

// TestMigrateFromPreEncryptionSchema tests upgrading an oauth_tokens table
// created before the encryption columns existed.
func TestMigrateFromPreEncryptionSchema(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping old schema upgrade test")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close db: %v", err)
		}
	}()

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS oauth_tokens CASCADE`); err != nil {
		t.Fatalf("drop oauth_tokens: %v", err)
	}

	// Old schema without encryption columns.
	_, err = db.ExecContext(ctx, `CREATE TABLE oauth_tokens (
		provider TEXT PRIMARY KEY,
		access_token TEXT,
		refresh_token TEXT,
		expires_at TIMESTAMPTZ,
		scope TEXT,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	)`)
	if err != nil {
		t.Fatalf("create old oauth_tokens: %v", err)
	}

	_, err = db.ExecContext(ctx, `INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope) VALUES ('twitch', 'old_access', 'old_refresh', NOW() + INTERVAL '1 hour', 'scope1')`)
	if err != nil {
		t.Fatalf("insert old oauth token: %v", err)
	}

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate from old schema: %v", err)
	}

	// New columns must exist with plaintext defaults and the old row intact.
	var access string
	var encVersion int
	var encKeyID sql.NullString
	err = db.QueryRowContext(ctx, `SELECT access_token, COALESCE(encryption_version, 0), encryption_key_id FROM oauth_tokens WHERE provider='twitch'`).
		Scan(&access, &encVersion, &encKeyID)
	if err != nil {
		t.Fatalf("failed to query upgraded oauth token: %v", err)
	}
	if access != "old_access" {
		t.Errorf("access_token = %s, want old_access", access)
	}
	if encVersion != 0 {
		t.Errorf("encryption_version = %d, want 0 for pre-encryption row", encVersion)
	}

	// Plaintext row must still read back through the token store.
	t.Setenv("ENCRYPTION_KEY", "")
	resetEncryptor()
	t.Cleanup(resetEncryptor)

	got, _, _, _, err := GetOAuthToken(ctx, db, "twitch")
	if err != nil {
		t.Fatalf("GetOAuthToken() after upgrade: %v", err)
	}
	if got != "old_access" {
		t.Errorf("GetOAuthToken access = %s, want old_access", got)
	}

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second migrate after upgrade: %v", err)
	}
	if got := primaryKeyColumns(t, ctx, db, "oauth_tokens"); got != "provider" {
		t.Errorf("after second migrate, oauth_tokens primary key = %s, want provider", got)
	}
}

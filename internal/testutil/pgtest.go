// Package testutil holds shared fixtures for PostgreSQL-backed tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGTest returns a migrated database with every application table emptied.
// Tables are emptied again when the test ends.
//
// The database comes from POSTGRES_URL. With PG_TESTCONTAINERS=1 and no URL,
// a postgres:16 container is started once per test binary. Otherwise the
// test is skipped.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", dsn(t))
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: %v", err)
	}
	if err := truncate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: %v", err)
	}

	t.Cleanup(func() {
		_ = truncate(ctx, db)
		_ = db.Close()
	})
	return db
}

var shared struct {
	once sync.Once
	dsn  string
	err  error
}

func dsn(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("POSTGRES_URL"); url != "" {
		return url
	}
	if os.Getenv("PG_TESTCONTAINERS") != "1" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	shared.once.Do(func() {
		ctx := context.Background()
		pg, err := postgres.Run(ctx, "postgres:16",
			postgres.WithDatabase("escrow_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			shared.err = fmt.Errorf("start postgres container: %w", err)
			return
		}
		shared.dsn, shared.err = pg.ConnectionString(ctx, "sslmode=disable")
	})
	if shared.err != nil {
		t.Fatalf("pgtest: %v", shared.err)
	}
	return shared.dsn
}

var gooseMu sync.Mutex

// migrate applies migrations/ with goose, the same way cmd/migrate does.
func migrate(ctx context.Context, db *sql.DB) error {
	dir, err := MigrationsDir()
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// MigrationsDir finds migrations/ by walking up from the working directory.
func MigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no migrations directory above %s", dir)
		}
		dir = parent
	}
}

// truncate empties application tables, leaving goose's version table.
func truncate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, `"`+name+`"`)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE") // #nosec G202 -- names from pg_tables
	return err
}

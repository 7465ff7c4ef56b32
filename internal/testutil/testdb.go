package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const templateDB = "escrow_template"

// ledgerServer is one postgres container per test binary. Every test gets
// its own database cloned from a migrated template, so ledgers never bleed
// between tests and the schema is applied once.
type ledgerServer struct {
	mu    sync.Mutex
	admin *sql.DB
	base  *url.URL
}

var (
	serverOnce sync.Once
	server     *ledgerServer
	serverErr  error
)

// SetupTestDB returns a fresh, fully migrated escrow database. It is dropped
// when the test ends.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	serverOnce.Do(func() {
		server, serverErr = startLedgerServer(context.Background())
	})
	if serverErr != nil {
		t.Fatalf("start ledger postgres: %v", serverErr)
	}

	name := "escrow_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	db, err := server.clone(name)
	if err != nil {
		t.Fatalf("clone ledger database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		if err := server.drop(name); err != nil {
			t.Logf("drop ledger database %s: %v", name, err)
		}
	})

	return db
}

// The container is reaped by testcontainers once the test binary exits.
func startLedgerServer(ctx context.Context) (*ledgerServer, error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase(templateDB),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithEnv(map[string]string{"PGTZ": "UTC"}),
	)
	if err != nil {
		return nil, fmt.Errorf("run container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("connection string: %w", err)
	}
	base, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	tmpl, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	err = migrate(ctx, tmpl)
	// A template with open sessions cannot be cloned.
	tmpl.Close()
	if err != nil {
		return nil, err
	}

	admin, err := sql.Open("postgres", withDatabase(base, "postgres"))
	if err != nil {
		return nil, fmt.Errorf("open admin: %w", err)
	}
	admin.SetConnMaxIdleTime(30 * time.Second)

	return &ledgerServer{admin: admin, base: base}, nil
}

func (s *ledgerServer) clone(name string) (*sql.DB, error) {
	s.mu.Lock()
	_, err := s.admin.Exec(fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s",
		pq.QuoteIdentifier(name), pq.QuoteIdentifier(templateDB)))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", withDatabase(s.base, name))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *ledgerServer) drop(name string) error {
	_, err := s.admin.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pq.QuoteIdentifier(name)))
	return err
}

func withDatabase(base *url.URL, name string) string {
	u := *base
	u.Path = "/" + name
	return u.String()
}

// migrate applies every up migration in one transaction so a broken file
// leaves no half-built template behind.
func migrate(ctx context.Context, db *sql.DB) error {
	dir := findMigrationsDir()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var upFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	if len(upFiles) == 0 {
		return fmt.Errorf("no up migrations in %s", dir)
	}
	sort.Strings(upFiles)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrations: %w", err)
	}
	defer tx.Rollback()

	for _, f := range upFiles {
		content, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
	}

	return tx.Commit()
}

// go test runs from the package directory, so search upward for the repo's
// migrations.
func findMigrationsDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "migrations"
	}
	for range 10 {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		dir = filepath.Dir(dir)
	}
	return "migrations"
}

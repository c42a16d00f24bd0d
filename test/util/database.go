// Package util provides shared database fixtures for integration tests.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/engagekit/engage/pkg/database"
)

var (
	// Shared connection string for all tests in local dev.
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDatabase provisions an isolated, fully migrated schema and
// returns a connection pool bound to it. Both CI and local dev use
// per-test schemas for isolation:
//   - CI connects to an external PostgreSQL from CI_DATABASE_URL
//   - local dev shares one testcontainer, started once per package
//
// The schema is dropped and the pool closed on test cleanup. Tests are
// skipped when no database can be provisioned (e.g. no Docker daemon).
func SetupTestDatabase(t *testing.T) *pgxpool.Pool {
	pool, _ := SetupTestDatabaseDSN(t)
	return pool
}

// SetupTestDatabaseDSN is SetupTestDatabase plus the schema-scoped
// connection string, for tests that need dedicated connections outside
// the pool (e.g. a LISTEN connection).
func SetupTestDatabaseDSN(t *testing.T) (*pgxpool.Pool, string) {
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	admin, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA "+schemaName)
	require.NoError(t, err)
	_ = admin.Close()

	// search_path on the DSN scopes every pooled connection, and the
	// migration run, to this test's schema.
	schemaConnStr := addSearchPath(connStr, schemaName)
	require.NoError(t, database.RunMigrationsDSN(schemaConnStr, "test"))

	poolCfg, err := pgxpool.ParseConfig(schemaConnStr)
	require.NoError(t, err)
	poolCfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		admin, err := stdsql.Open("pgx", connStr)
		if err != nil {
			t.Logf("Warning: failed to reconnect for schema cleanup: %v", err)
			return
		}
		defer admin.Close()
		if _, err := admin.ExecContext(context.Background(),
			"DROP SCHEMA IF EXISTS "+schemaName+" CASCADE"); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
	})

	return pool, schemaConnStr
}

// getOrCreateSharedDatabase returns a connection string to the shared
// database. In CI, uses CI_DATABASE_URL. In local dev, starts a shared
// testcontainer once per package.
func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		// testcontainers panics (rather than returning an error) when no
		// Docker host can be found; route that into the skip path below.
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("failed to start postgres container: %v", r)
			}
		}()

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		sharedConnStr = connStr
	})

	if containerErr != nil {
		t.Skipf("skipping: no PostgreSQL available: %v", containerErr)
	}
	return sharedConnStr
}

// generateSchemaName creates a unique, PostgreSQL-safe schema name.
// Format: test_<sanitized_test_name>_<random_hex>
func generateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// Stay well under PostgreSQL's 63 char identifier limit.
	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("failed to generate random bytes for schema name: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

// addSearchPath appends a search_path parameter to a connection string so
// every connection in the pool uses the given schema.
func addSearchPath(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return connStr + separator + "search_path=" + schemaName
}

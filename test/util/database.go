// Package util hosts the shared PostgreSQL fixture behind the store and API
// integration tests.
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

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/crewhq/crewd/pkg/database"
)

// The server (CI-provided or a local testcontainer) is shared by every test
// in the package; isolation comes from per-test schemas, not per-test
// databases.
var (
	baseOnce sync.Once
	baseConn string
	baseErr  error
)

// SetupTestDatabase returns an open pool whose search_path points at a
// fresh, fully migrated schema only this test sees. The schema is dropped
// again on cleanup. With CI_DATABASE_URL set the external server is used;
// otherwise a postgres container boots once per package.
func SetupTestDatabase(t *testing.T) *stdsql.DB {
	t.Helper()
	ctx := context.Background()

	base := baseConnString(t)
	schema := schemaName(t)

	admin, err := stdsql.Open("pgx", base)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	_ = admin.Close()

	// search_path rides the connection string so every pooled connection
	// lands in the test schema.
	db, err := stdsql.Open("pgx", withSearchPath(base, schema))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, database.Migrate(db, "test"))

	t.Cleanup(func() {
		if _, err := db.ExecContext(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		_ = db.Close()
	})
	return db
}

func baseConnString(t *testing.T) string {
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}
	baseOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
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
			baseErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		baseConn, baseErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, baseErr)
	return baseConn
}

// schemaName derives a unique Postgres-safe identifier from the test name.
// Truncated to leave room for the random suffix under the 63-char limit.
func schemaName(t *testing.T) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToLower(t.Name()))
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return "test_" + name + "_" + hex.EncodeToString(suffix)
}

func withSearchPath(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + "search_path=" + schema
}

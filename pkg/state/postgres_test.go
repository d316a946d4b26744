package state

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
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// setupPostgresStore provisions a store in a unique schema. CI points
// CI_DATABASE_URL at a service container; local runs share one
// testcontainer per package.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	connStr := baseConnString(t)
	schema := schemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	schemaURL := fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schema)

	store, err := NewPostgresStore(ctx, PostgresOptions{URL: schemaURL, MaxConns: 5})
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
		db, err := stdsql.Open("pgx", connStr)
		if err == nil {
			_, _ = db.ExecContext(context.Background(),
				fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
			_ = db.Close()
		}
	})
	return store
}

func baseConnString(t *testing.T) string {
	if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
		return ciURL
	}
	containerOnce.Do(func() {
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
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

func schemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

func TestPostgresStoreContract(t *testing.T) {
	store := setupPostgresStore(t)
	storeContractTest(t, store)
}

func TestPostgresStoreCleanup(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	// backdate a session directly; SaveState always stamps now
	_, err := store.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, answers, version, updated_at)
		VALUES ('s-stale', '{}', 1, now() - interval '90 days')`)
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, `
		INSERT INTO todolists (id, session_id, doc, updated_at)
		VALUES ('tl-stale', 's-stale', '{}', now() - interval '90 days')`)
	require.NoError(t, err)

	removed, err := store.Cleanup(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, err = store.LoadState(ctx, "s-stale")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadPlan(ctx, "tl-stale")
	require.ErrorIs(t, err, ErrNotFound)
}

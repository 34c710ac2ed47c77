package database_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nirmitee/ehr-rbac/internal/platform/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (no go.mod found)")
		}
		dir = parent
	}
}

func TestRunMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	connStr, cleanup := setupPostgres(t)
	defer cleanup()

	root := findProjectRoot(t)
	migrationsPath := "file://" + filepath.Join(root, "migrations")
	require.NoError(t, database.RunMigrations(connStr, migrationsPath))

	// A second run is a no-op.
	require.NoError(t, database.RunMigrations(connStr, migrationsPath))

	pool, err := database.Connect(context.Background(), connStr, 5)
	require.NoError(t, err)
	defer pool.Close()

	for _, table := range []string{"organizations", "locations", "departments", "roles", "role_assignments", "audit_events"} {
		var name string
		err = pool.QueryRow(context.Background(),
			"SELECT table_name FROM information_schema.tables WHERE table_name = $1", table).
			Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	// The assignment triple is unique even when scope_ref_id is NULL.
	ctx := context.Background()
	var roleID string
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO roles (name, scope_level, is_system) VALUES ('Platform Administrator', 'platform', true) RETURNING id`,
	).Scan(&roleID))
	_, err = pool.Exec(ctx, `INSERT INTO role_assignments (user_id, role_id, granted_by) VALUES ('u1', $1, 'seed')`, roleID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO role_assignments (user_id, role_id, granted_by) VALUES ('u1', $1, 'seed')`, roleID)
	assert.True(t, database.IsUniqueViolation(err))
}

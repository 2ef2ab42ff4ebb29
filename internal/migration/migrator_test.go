package migration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/BaSui01/agentmemory/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseDatabaseType(t *testing.T) {
	for input, want := range map[string]DatabaseType{
		"postgres": DatabaseTypePostgres, "postgresql": DatabaseTypePostgres, "pg": DatabaseTypePostgres,
		" POSTGRES ": DatabaseTypePostgres, "pgx": DatabaseTypePostgres,
		"mysql": DatabaseTypeMySQL, "mariadb": DatabaseTypeMySQL,
		"sqlite": DatabaseTypeSQLite, "SQLite3": DatabaseTypeSQLite,
	} {
		got, err := ParseDatabaseType(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseDatabaseType("oracle")
	assert.Error(t, err)
}

func TestGetMigrationsPath(t *testing.T) {
	assert.Equal(t, "migrations/sqlite", GetMigrationsPath(DatabaseTypeSQLite))
	assert.Equal(t, "migrations/postgres", GetMigrationsPath(DatabaseTypePostgres))
}

func TestPlan_DialectsShareVersions(t *testing.T) {
	sqlitePlan, err := Plan(DatabaseTypeSQLite)
	require.NoError(t, err)
	require.Len(t, sqlitePlan, 2)
	assert.Equal(t, MigrationStatus{Version: 1, Name: "create_memory_units"}, sqlitePlan[0])
	assert.Equal(t, "add_category_timeline_index", sqlitePlan[1].Name)

	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL} {
		plan, err := Plan(dbType)
		require.NoError(t, err, dbType)
		assert.Equal(t, sqlitePlan, plan, dbType)
	}

	_, err = Plan("oracle")
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite})
	assert.ErrorContains(t, err, "database DSN is required")

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestSQLDriverName(t *testing.T) {
	assert.Equal(t, "sqlite", sqlDriverName("sqlite", DatabaseTypeSQLite))
	assert.Equal(t, "sqlite3", sqlDriverName("SQLite3", DatabaseTypeSQLite))
	assert.Equal(t, "postgres", sqlDriverName("pgx", DatabaseTypePostgres))
	assert.Equal(t, "mysql", sqlDriverName("mariadb", DatabaseTypeMySQL))
}

func newSQLiteMigrator(t *testing.T) *SchemaMigrator {
	t.Helper()
	cfg := store.SQLConfig{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "memory.db"),
	}
	m, err := NewMigratorFromSQLConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMigrator_SQLite_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	m := newSQLiteMigrator(t)

	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "no change is not an error")

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), info.CurrentVersion)
	assert.Equal(t, info.TotalMigrations, info.AppliedMigrations)
	assert.Zero(t, info.PendingMigrations)

	var table string
	require.NoError(t, m.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'memory_units'").Scan(&table))
	_, err = m.db.ExecContext(ctx,
		"INSERT INTO memory_units (id, category, priority, timestamp, data) VALUES ('u1', 'working', 0.5, CURRENT_TIMESTAMP, '{}')")
	require.NoError(t, err)

	require.NoError(t, m.Down(ctx))
	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)

	require.NoError(t, m.DownAll(ctx))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)

	require.NoError(t, m.Goto(ctx, 1))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestMigrator_CancelledContext(t *testing.T) {
	m := newSQLiteMigrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Up(ctx), context.Canceled)
	version, _, err := m.Version(context.Background())
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestMigrator_StepsAndForce(t *testing.T) {
	ctx := context.Background()
	m := newSQLiteMigrator(t)
	assert.Error(t, m.Steps(ctx, 0))

	require.NoError(t, m.Steps(ctx, 1))
	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.AppliedMigrations)
	assert.Equal(t, 1, info.PendingMigrations)

	require.NoError(t, m.Force(ctx, 2))
	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, statuses[1].Applied)
	assert.False(t, statuses[1].Dirty)
}

package migrate

import (
	"context"
	"database/sql"
	"embed"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator_FreshDatabase(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	m := New(db, "test_migrations")

	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM test_migrations").Scan(&count))
	assert.Zero(t, count)
	assert.ErrorContains(t, m.Down(ctx), "no migrations to roll back")
}

func TestMigrator_UpAndDown(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	m := New(db, "test_migrations")

	require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))
	require.Len(t, m.Migrations(), 2)
	assert.Equal(t, "create_test_table", m.Migrations()[0].Name)

	require.NoError(t, m.Up(ctx))
	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM test_table").Scan(&count))

	// running again is a no-op
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	version, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	require.NoError(t, m.Down(ctx))
	err = db.QueryRow("SELECT COUNT(*) FROM test_table").Scan(&count)
	assert.Error(t, err, "table should be dropped")

	assert.Error(t, m.Down(ctx), "nothing left to roll back")
}

func TestMigrator_RejectsMissingUpScript(t *testing.T) {
	fsys := fstest.MapFS{
		"m/000001_orphan.down.sql": {Data: []byte("DROP TABLE x;")},
	}

	m := New(openMemory(t), "test_migrations")
	err := m.LoadFromFS(fsys, "m")
	assert.ErrorContains(t, err, "no up script")
}

func TestMigrator_LoadFromFS(t *testing.T) {
	t.Run("IgnoresOtherFiles", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/000001_commands.up.sql": {Data: []byte("CREATE TABLE commands (id TEXT);")},
			"m/README.md":              {Data: []byte("notes")},
			"m/commands.up.sql":        {Data: []byte("CREATE TABLE x (id TEXT);")},
		}
		m := New(openMemory(t), "test_migrations")
		require.NoError(t, m.LoadFromFS(fsys, "m"))
		require.Len(t, m.Migrations(), 1)
		assert.Equal(t, "commands", m.Migrations()[0].Name)
		assert.Empty(t, m.Migrations()[0].Down)
	})

	t.Run("RejectsDuplicateScripts", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/000001_commands.up.sql":   {Data: []byte("CREATE TABLE commands (id TEXT);")},
			"m/000001_executions.up.sql": {Data: []byte("CREATE TABLE executions (id TEXT);")},
		}
		m := New(openMemory(t), "test_migrations")
		assert.ErrorContains(t, m.LoadFromFS(fsys, "m"), "two up scripts")
	})

	t.Run("DownWithoutScript", func(t *testing.T) {
		ctx := context.Background()
		fsys := fstest.MapFS{
			"m/000001_commands.up.sql": {Data: []byte("CREATE TABLE commands (id TEXT);")},
		}
		m := New(openMemory(t), "test_migrations")
		require.NoError(t, m.LoadFromFS(fsys, "m"))
		require.NoError(t, m.Up(ctx))
		assert.ErrorContains(t, m.Down(ctx), "no down script")
	})
}

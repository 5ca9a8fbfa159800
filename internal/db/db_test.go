package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentplane/internal/common/config"
)

func TestOpenSQLitePool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agentplane.db")
	pool, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	require.NotNil(t, pool)
	defer func() { _ = pool.Close() }()
	assert.False(t, pool.IsPostgres())

	_, err = pool.Writer().Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = pool.Writer().Exec(pool.Writer().Rebind(`INSERT INTO kv (k, v) VALUES (?, ?)`), "a", "1")
	require.NoError(t, err)

	var v string
	require.NoError(t, pool.Reader().Get(&v, `SELECT v FROM kv WHERE k = ?`, "a"))
	assert.Equal(t, "1", v)

	_, err = pool.Reader().Exec(`INSERT INTO kv (k, v) VALUES ('b', '2')`)
	assert.Error(t, err, "reader is read-only")
}

func TestOpenMemoryReturnsNoPool(t *testing.T) {
	pool, err := Open(config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	writer := sqliteDSN("/var/lib/agentplane/state.db", false)
	assert.True(t, strings.HasPrefix(writer, "file:/var/lib/agentplane/state.db?"))
	assert.Contains(t, writer, "_journal_mode=WAL")
	assert.Contains(t, writer, "mode=rwc")
	assert.Contains(t, writer, "_busy_timeout=5000")

	reader := sqliteDSN("/var/lib/agentplane/state.db", true)
	assert.Contains(t, reader, "mode=ro")
	assert.Contains(t, reader, "_query_only=true")
	assert.NotContains(t, reader, "_journal_mode")
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "sqlite"})
	assert.Error(t, err)
}

func TestOpenPostgresUnreachable(t *testing.T) {
	_, err := Open(config.DatabaseConfig{
		Driver:  "postgres",
		Host:    "127.0.0.1",
		Port:    1,
		User:    "agentplane",
		DBName:  "agentplane",
		SSLMode: "disable",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

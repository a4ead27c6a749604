package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesSchema(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	assert.Equal(t, len(migrations), version)

	var mode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode;").Scan(&mode))
	assert.Equal(t, "wal", mode)

	for _, table := range []string{"contacts", "messages", "transmissions", "security_events"} {
		var count int
		require.NoError(t, store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?", table,
		).Scan(&count))
		assert.Equal(t, 1, count, "table %s", table)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	store, err := OpenPath(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "second close is a no-op")

	store, err = OpenPath(path)
	require.NoError(t, err)
	defer store.Close()

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	assert.Equal(t, len(migrations), version)
}

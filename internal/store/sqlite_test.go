package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histmarket/internal/config"
)

func TestNewSQLite_FileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "histmarket.db")
	s, err := NewSQLite(config.DatabaseConfig{
		Path:            path,
		MaxOpenConns:    2,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	defer s.Close()

	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode;").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestMigrate(t *testing.T) {
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)`,
		`INSERT INTO kv (k, v) VALUES ('a', 'b')`,
	))

	var v string
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT v FROM kv WHERE k = 'a'`).Scan(&v))
	assert.Equal(t, "b", v)

	err = s.Migrate(ctx, `CREATE TABLE broken (`)
	assert.Error(t, err)
}

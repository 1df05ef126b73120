package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/commitfund/internal/config"
	"github.com/punchamoorthee/commitfund/internal/store/memory"
	"github.com/punchamoorthee/commitfund/internal/store/sqlite"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOpenMemory(t *testing.T) {
	s, closeFn, err := Open(context.Background(), &config.Config{StoreDriver: config.DriverMemory}, discard())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &memory.Store{}, s)
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "commitfund.db")
	s, closeFn, err := Open(context.Background(), &config.Config{StoreDriver: config.DriverSQLite, SQLitePath: path}, discard())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &sqlite.Store{}, s)
	require.NoError(t, s.Ping(context.Background()))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), &config.Config{StoreDriver: "mongo"}, discard())
	require.Error(t, err)
}

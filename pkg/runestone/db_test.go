package runestone

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/runestone/pkg/config"
	"github.com/orneryd/runestone/pkg/graph"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "r.db")
	cfg.Storage.NoSync = true
	return cfg
}

func TestDB_OpenWriteReopen(t *testing.T) {
	cfg := testConfig(t)

	db, err := Open("", cfg)
	require.NoError(t, err)

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	id, err := tx.CreateNode([]string{"Person"}, graph.Props{"name": graph.String("Ada")})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	db2, err := Open("", cfg)
	require.NoError(t, err)
	defer db2.Close()

	node, err := db2.Graph().GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, graph.String("Ada"), node.Props["name"])
}

func TestDB_PathArgumentOverridesConfig(t *testing.T) {
	cfg := testConfig(t)
	override := filepath.Join(t.TempDir(), "other.db")

	db, err := Open(override, cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	assert.FileExists(t, override)
}

func TestDB_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.PageSize = 100
	_, err := Open("", cfg)
	assert.Error(t, err)
}

func TestDB_CheckpointAfterCommits(t *testing.T) {
	db, err := Open("", testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx.CreateNode([]string{"Person"}, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	walBefore := db.Stats().WALBytes
	require.NoError(t, db.Checkpoint())
	assert.Less(t, db.Stats().WALBytes, walBefore)
}

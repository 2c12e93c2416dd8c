package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_Check(t *testing.T) {
	g := openTestGraph(t, filepath.Join(t.TempDir(), "g.db"), Options{})

	tx := begin(t, g)
	a, err := tx.CreateNode([]string{"Person"}, Props{"name": String("Ada")})
	require.NoError(t, err)
	b, err := tx.CreateNode([]string{"Person"}, nil)
	require.NoError(t, err)
	_, err = tx.CreateEdge(a, b, "KNOWS", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	report, err := g.Check()
	require.NoError(t, err)
	assert.True(t, report.Ok(), "problems: %v", report.Problems)
	assert.Equal(t, uint64(2), report.Nodes)
	assert.Equal(t, uint64(1), report.Edges)
	assert.Equal(t, uint64(1), report.AdjEntries)
}

func TestGraph_Vacuum(t *testing.T) {
	g := openTestGraph(t, filepath.Join(t.TempDir(), "g.db"), Options{})

	tx := begin(t, g)
	a, err := tx.CreateNode([]string{"Person"}, nil)
	require.NoError(t, err)
	b, err := tx.CreateNode([]string{"Person"}, nil)
	require.NoError(t, err)
	e, err := tx.CreateEdge(a, b, "KNOWS", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := begin(t, g)
	require.NoError(t, tx2.DeleteEdge(e))
	require.NoError(t, tx2.DeleteNode(a))
	require.NoError(t, tx2.Commit())

	before, err := g.Check()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), before.Tombstones)

	removed, err := g.Vacuum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	after, err := g.Check()
	require.NoError(t, err)
	assert.True(t, after.Ok(), "problems: %v", after.Problems)
	assert.Equal(t, uint64(0), after.Tombstones)
	assert.Equal(t, uint64(1), after.Nodes)

	// Idempotent when nothing is left to reclaim.
	again, err := g.Vacuum(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again)

	// The survivor is untouched.
	_, err = g.GetNode(b)
	assert.NoError(t, err)
}

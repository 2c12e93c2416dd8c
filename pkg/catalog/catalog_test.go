package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/runestone/pkg/pager"
)

func openTestCatalog(t *testing.T) (*pager.Pager, *Catalog) {
	t.Helper()
	pg, err := pager.Open(filepath.Join(t.TempDir(), "c.db"),
		pager.Options{PageSize: 512, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	c, err := Open(pg, "labels")
	require.NoError(t, err)
	return pg, c
}

func TestCatalog_Intern(t *testing.T) {
	_, c := openTestCatalog(t)

	t.Run("ids_start_at_one", func(t *testing.T) {
		id, err := c.Intern("Person")
		require.NoError(t, err)
		assert.Equal(t, uint32(1), id)
	})

	t.Run("same_name_same_id", func(t *testing.T) {
		a, err := c.Intern("Person")
		require.NoError(t, err)
		b, err := c.Intern("Person")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("distinct_names_distinct_ids", func(t *testing.T) {
		a, err := c.Intern("Person")
		require.NoError(t, err)
		b, err := c.Intern("Company")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("rejects_empty_name", func(t *testing.T) {
		_, err := c.Intern("")
		assert.ErrorIs(t, err, ErrEmptyName)
	})
}

func TestCatalog_Lookup(t *testing.T) {
	_, c := openTestCatalog(t)

	id, err := c.Intern("KNOWS")
	require.NoError(t, err)

	got, found, err := c.Lookup("KNOWS")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got)

	_, found, err = c.Lookup("LIKES")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCatalog_Name(t *testing.T) {
	_, c := openTestCatalog(t)

	id, err := c.Intern("City")
	require.NoError(t, err)

	name, err := c.Name(id)
	require.NoError(t, err)
	assert.Equal(t, "City", name)

	_, err = c.Name(999)
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.db")
	pg, err := pager.Open(path, pager.Options{PageSize: 512, NoSync: true})
	require.NoError(t, err)
	c, err := Open(pg, "labels")
	require.NoError(t, err)

	id, err := c.Intern("Person")
	require.NoError(t, err)
	require.NoError(t, pg.Commit(1))
	require.NoError(t, pg.Close())

	pg2, err := pager.Open(path, pager.Options{PageSize: 512, NoSync: true})
	require.NoError(t, err)
	defer pg2.Close()
	c2, err := Open(pg2, "labels")
	require.NoError(t, err)

	got, found, err := c2.Lookup("Person")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got)

	// New names keep allocating past the persisted counter.
	next, err := c2.Intern("Company")
	require.NoError(t, err)
	assert.Equal(t, id+1, next)

	names, err := c2.Names()
	require.NoError(t, err)
	assert.Equal(t, map[uint32]string{id: "Person", next: "Company"}, names)
}

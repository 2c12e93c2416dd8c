package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/runestone/pkg/pager"
)

func openTestTree(t *testing.T, path, name string) (*pager.Pager, *Tree) {
	t.Helper()
	pg, err := pager.Open(path, pager.Options{PageSize: 512, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	tree, err := Open(pg, name)
	require.NoError(t, err)
	return pg, tree
}

func key64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func TestTree_PutGet(t *testing.T) {
	_, tree := openTestTree(t, filepath.Join(t.TempDir(), "t.db"), "kv")

	t.Run("missing_key", func(t *testing.T) {
		_, found, err := tree.Get([]byte("nope"))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("roundtrip", func(t *testing.T) {
		require.NoError(t, tree.Put([]byte("alpha"), []byte("one")))
		require.NoError(t, tree.Put([]byte("beta"), []byte("two")))

		v, found, err := tree.Get([]byte("alpha"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("one"), v)
	})

	t.Run("replace_existing", func(t *testing.T) {
		require.NoError(t, tree.Put([]byte("alpha"), []byte("uno")))
		v, found, err := tree.Get([]byte("alpha"))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("uno"), v)
	})

	t.Run("rejects_oversized_entry", func(t *testing.T) {
		big := make([]byte, 4096)
		err := tree.Put([]byte("big"), big)
		assert.ErrorIs(t, err, ErrEntryTooLarge)
	})
}

func TestTree_RandomInserts(t *testing.T) {
	_, tree := openTestTree(t, filepath.Join(t.TempDir(), "t.db"), "kv")

	rng := rand.New(rand.NewSource(42))
	keys := rng.Perm(500)
	for _, k := range keys {
		key := key64(uint64(k))
		val := []byte(fmt.Sprintf("value-%d", k))
		require.NoError(t, tree.Put(key, val))
	}

	for i := 0; i < 500; i++ {
		v, found, err := tree.Get(key64(uint64(i)))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), v)
	}
}

func TestTree_SequentialSplits(t *testing.T) {
	// Enough records with 200-byte values to force repeated leaf and
	// internal splits on 512-byte pages.
	_, tree := openTestTree(t, filepath.Join(t.TempDir(), "t.db"), "kv")

	const n = 1000
	value := bytes.Repeat([]byte{0x5A}, 200)
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(key64(uint64(i)), value))
	}

	cur, err := tree.Scan(nil, nil)
	require.NoError(t, err)
	var prev []byte
	count := 0
	for cur.Next() {
		if prev != nil {
			assert.Equal(t, -1, bytes.Compare(prev, cur.Key()),
				"keys must be strictly increasing")
		}
		prev = append(prev[:0], cur.Key()...)
		count++
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, n, count)
}

func TestTree_Delete(t *testing.T) {
	_, tree := openTestTree(t, filepath.Join(t.TempDir(), "t.db"), "kv")

	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Put(key64(uint64(i)), []byte("v")))
	}

	t.Run("removes_entry", func(t *testing.T) {
		removed, err := tree.Delete(key64(50))
		require.NoError(t, err)
		assert.True(t, removed)

		_, found, err := tree.Get(key64(50))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("missing_key_not_an_error", func(t *testing.T) {
		removed, err := tree.Delete(key64(50))
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("neighbors_survive", func(t *testing.T) {
		for _, k := range []uint64{49, 51} {
			_, found, err := tree.Get(key64(k))
			require.NoError(t, err)
			assert.True(t, found)
		}
	})
}

func TestTree_ScanRange(t *testing.T) {
	_, tree := openTestTree(t, filepath.Join(t.TempDir(), "t.db"), "kv")

	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Put(key64(uint64(i)), key64(uint64(i))))
	}

	t.Run("half_open_interval", func(t *testing.T) {
		cur, err := tree.Scan(key64(50), key64(60))
		require.NoError(t, err)
		var got []uint64
		for cur.Next() {
			got = append(got, binary.BigEndian.Uint64(cur.Key()))
		}
		require.NoError(t, cur.Err())
		require.Len(t, got, 10)
		assert.Equal(t, uint64(50), got[0])
		assert.Equal(t, uint64(59), got[9])
	})

	t.Run("empty_range", func(t *testing.T) {
		cur, err := tree.Scan(key64(500), key64(600))
		require.NoError(t, err)
		assert.False(t, cur.Next())
		require.NoError(t, cur.Err())
	})
}

func TestTree_ScanPrefix(t *testing.T) {
	_, tree := openTestTree(t, filepath.Join(t.TempDir(), "t.db"), "kv")

	for _, k := range []string{"app", "apple", "apply", "banana", "apricot"} {
		require.NoError(t, tree.Put([]byte(k), []byte("x")))
	}

	cur, err := tree.ScanPrefix([]byte("appl"))
	require.NoError(t, err)
	var got []string
	for cur.Next() {
		got = append(got, string(cur.Key()))
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"apple", "apply"}, got)
}

func TestTree_PutManySorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	_, batch := openTestTree(t, path, "batch")

	var entries []Entry
	for i := 0; i < 600; i++ {
		entries = append(entries, Entry{
			Key:   key64(uint64(i)),
			Value: []byte(fmt.Sprintf("v%d", i)),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
	require.NoError(t, batch.PutMany(entries))

	// The batch path must produce the same contents as one-at-a-time
	// inserts.
	_, single := openTestTree(t, filepath.Join(t.TempDir(), "u.db"), "batch")
	for _, e := range entries {
		require.NoError(t, single.Put(e.Key, e.Value))
	}

	a, err := batch.Scan(nil, nil)
	require.NoError(t, err)
	b, err := single.Scan(nil, nil)
	require.NoError(t, err)
	for a.Next() {
		require.True(t, b.Next())
		assert.Equal(t, b.Key(), a.Key())
		assert.Equal(t, b.Value(), a.Value())
	}
	assert.False(t, b.Next())
	require.NoError(t, a.Err())
	require.NoError(t, b.Err())
}

func TestTree_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")

	pg, err := pager.Open(path, pager.Options{PageSize: 512, NoSync: true})
	require.NoError(t, err)
	tree, err := Open(pg, "kv")
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		require.NoError(t, tree.Put(key64(uint64(i)), []byte("persisted")))
	}
	require.NoError(t, pg.Commit(1))
	require.NoError(t, pg.Close())

	pg2, err := pager.Open(path, pager.Options{PageSize: 512, NoSync: true})
	require.NoError(t, err)
	defer pg2.Close()
	tree2, err := Open(pg2, "kv")
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		v, found, err := tree2.Get(key64(uint64(i)))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		assert.Equal(t, []byte("persisted"), v)
	}
}

func TestTree_SplitWithSkewedRecordSizes(t *testing.T) {
	_, tree := openTestTree(t, filepath.Join(t.TempDir(), "t.db"), "kv")

	// Pack leaves with tiny records, then drop near-maximum records
	// between them. A split cutting at the record midpoint instead of
	// the byte midpoint produces halves that do not fit the page.
	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		require.NoError(t, tree.Put(key, []byte{byte(i)}))
	}

	big := bytes.Repeat([]byte{0xCD}, 200)
	for i := 0; i < 300; i += 10 {
		key := []byte(fmt.Sprintf("k%05dx", i))
		require.NoError(t, tree.Put(key, big), "big insert %d", i)
	}

	for i := 0; i < 300; i += 10 {
		v, found, err := tree.Get([]byte(fmt.Sprintf("k%05dx", i)))
		require.NoError(t, err)
		require.True(t, found, "big key %d", i)
		assert.Equal(t, big, v)
	}

	cur, err := tree.Scan(nil, nil)
	require.NoError(t, err)
	count := 0
	for cur.Next() {
		count++
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, 330, count)
}

func TestTree_SnapshotViewReadsCommittedState(t *testing.T) {
	pg, tree := openTestTree(t, filepath.Join(t.TempDir(), "t.db"), "kv")

	require.NoError(t, tree.Put([]byte("a"), []byte("1")))
	require.NoError(t, pg.Commit(1))

	snap := tree.Snapshot()
	require.NoError(t, tree.Put([]byte("a"), []byte("2")))
	require.NoError(t, tree.Put([]byte("b"), []byte("3")))

	v, found, err := snap.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), v)

	_, found, err = snap.Get([]byte("b"))
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, snap.Put([]byte("x"), nil), ErrReadOnlyView)
	_, err = snap.Delete([]byte("a"))
	assert.ErrorIs(t, err, ErrReadOnlyView)

	require.NoError(t, pg.Commit(2))
	v, _, err = snap.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestTree_RollbackDiscardsInserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	pg, tree := openTestTree(t, path, "kv")

	require.NoError(t, tree.Put([]byte("keep"), []byte("1")))
	require.NoError(t, pg.Commit(1))

	require.NoError(t, tree.Put([]byte("drop"), []byte("2")))
	pg.Rollback()
	tree.InvalidateCache()

	_, found, err := tree.Get([]byte("drop"))
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := tree.Get([]byte("keep"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), v)
}

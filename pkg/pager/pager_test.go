package pager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{PageSize: 512, NoSync: true}
}

func openTestPager(t *testing.T, path string) *Pager {
	t.Helper()
	p, err := Open(path, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPager_AllocWriteRead(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "test.db"))

	t.Run("alloc_returns_increasing_ids", func(t *testing.T) {
		a, err := p.AllocPage()
		require.NoError(t, err)
		b, err := p.AllocPage()
		require.NoError(t, err)
		assert.Greater(t, b, a)
	})

	t.Run("read_your_writes_before_commit", func(t *testing.T) {
		id, err := p.AllocPage()
		require.NoError(t, err)

		data := make([]byte, p.PageSize())
		copy(data, "hello pages")
		require.NoError(t, p.Write(id, data))

		got, err := p.Read(id)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("rejects_wrong_size_write", func(t *testing.T) {
		id, err := p.AllocPage()
		require.NoError(t, err)
		assert.Error(t, p.Write(id, []byte("short")))
	})

	t.Run("rejects_out_of_bounds_page", func(t *testing.T) {
		_, err := p.Read(PageID(9999))
		assert.ErrorIs(t, err, ErrPageBounds)
	})
}

func TestPager_CommitPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p := openTestPager(t, path)

	id, err := p.AllocPage()
	require.NoError(t, err)
	data := make([]byte, p.PageSize())
	copy(data, "durable")
	require.NoError(t, p.Write(id, data))
	p.SetRoot("nodes", id)
	require.NoError(t, p.Commit(1))
	require.NoError(t, p.Close())

	reopened := openTestPager(t, path)
	got, err := reopened.Read(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	root, ok := reopened.Root("nodes")
	require.True(t, ok)
	assert.Equal(t, id, root)
	assert.Equal(t, uint64(1), reopened.LastCommitID())
}

func TestPager_RollbackDiscardsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p := openTestPager(t, path)

	id, err := p.AllocPage()
	require.NoError(t, err)
	data := make([]byte, p.PageSize())
	copy(data, "committed")
	require.NoError(t, p.Write(id, data))
	require.NoError(t, p.Commit(1))

	// Stage a second transaction and throw it away.
	scratch := make([]byte, p.PageSize())
	copy(scratch, "scratch")
	require.NoError(t, p.Write(id, scratch))
	p.SetRoot("edges", id)
	nodeID := p.NextNodeID()
	assert.Equal(t, uint64(1), nodeID)
	p.Rollback()

	got, err := p.Read(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	_, ok := p.Root("edges")
	assert.False(t, ok)
	// Counter allocation was rolled back too.
	assert.Equal(t, uint64(1), p.NextNodeID())
}

func TestPager_FreeListReuse(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "test.db"))

	id, err := p.AllocPage()
	require.NoError(t, err)
	buf := make([]byte, p.PageSize())
	require.NoError(t, p.Write(id, buf))
	require.NoError(t, p.FreePage(id))
	require.NoError(t, p.Commit(1))

	reused, err := p.AllocPage()
	require.NoError(t, err)
	assert.Equal(t, id, reused)
}

func TestPager_IDCountersPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p := openTestPager(t, path)

	assert.Equal(t, uint64(1), p.NextNodeID())
	assert.Equal(t, uint64(2), p.NextNodeID())
	assert.Equal(t, uint64(1), p.NextEdgeID())
	require.NoError(t, p.Commit(1))
	require.NoError(t, p.Close())

	reopened := openTestPager(t, path)
	assert.Equal(t, uint64(3), reopened.NextNodeID())
	assert.Equal(t, uint64(2), reopened.NextEdgeID())
}

func TestPager_CheckpointTruncatesWAL(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "test.db"))

	id, err := p.AllocPage()
	require.NoError(t, err)
	require.NoError(t, p.Write(id, make([]byte, p.PageSize())))
	require.NoError(t, p.Commit(1))

	before := p.Stats().WALBytes
	assert.Greater(t, before, int64(walHeaderSize))

	require.NoError(t, p.Checkpoint())
	assert.Equal(t, int64(walHeaderSize), p.Stats().WALBytes)

	// Idempotent.
	require.NoError(t, p.Checkpoint())
	assert.Equal(t, int64(walHeaderSize), p.Stats().WALBytes)
}

func TestPager_StatsCountsFreePages(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "test.db"))

	var ids []PageID
	for i := 0; i < 3; i++ {
		id, err := p.AllocPage()
		require.NoError(t, err)
		require.NoError(t, p.Write(id, make([]byte, p.PageSize())))
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.NoError(t, p.FreePage(id))
	}
	require.NoError(t, p.Commit(1))

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.FreePages)
	assert.Equal(t, uint64(1), stats.Commits)
}

func TestPager_ReadCommittedIgnoresStagedWrites(t *testing.T) {
	p := openTestPager(t, filepath.Join(t.TempDir(), "test.db"))

	id, err := p.AllocPage()
	require.NoError(t, err)
	old := make([]byte, p.PageSize())
	copy(old, "committed")
	require.NoError(t, p.Write(id, old))
	require.NoError(t, p.Commit(1))

	staged := make([]byte, p.PageSize())
	copy(staged, "staged")
	require.NoError(t, p.Write(id, staged))

	got, err := p.ReadCommitted(id)
	require.NoError(t, err)
	assert.Equal(t, old, got)

	// The working view still reads its own write.
	got, err = p.Read(id)
	require.NoError(t, err)
	assert.Equal(t, staged, got)

	// A page allocated by the in-flight transaction has no committed
	// image yet.
	fresh, err := p.AllocPage()
	require.NoError(t, err)
	_, err = p.ReadCommitted(fresh)
	assert.ErrorIs(t, err, ErrPageBounds)

	require.NoError(t, p.Commit(2))
	got, err = p.ReadCommitted(id)
	require.NoError(t, err)
	assert.Equal(t, staged, got)
}

func TestPager_CommitFailurePoisonsPager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p := openTestPager(t, path)

	id, err := p.AllocPage()
	require.NoError(t, err)
	require.NoError(t, p.Write(id, make([]byte, p.PageSize())))

	// Swap the log handle for a read-only one so the append fails after
	// the commit group has started, and the rewind fails too.
	require.NoError(t, p.wal.file.Close())
	ro, err := os.Open(path + ".wal")
	require.NoError(t, err)
	p.wal.file = ro

	require.Error(t, p.Commit(1))

	// The log now ends in an orphaned group; nothing may append after
	// it and a checkpoint must not truncate it away.
	assert.ErrorIs(t, p.Commit(2), ErrCommitFailed)
	assert.ErrorIs(t, p.Checkpoint(), ErrCommitFailed)
}

package pager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const walTestPageSize = 256

func openTestWAL(t *testing.T, path string) *WAL {
	t.Helper()
	w, err := openWAL(path, walTestPageSize, false)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func pageImage(fill byte) []byte {
	buf := make([]byte, walTestPageSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func replayAll(t *testing.T, w *WAL) map[PageID][]byte {
	t.Helper()
	applied := make(map[PageID][]byte)
	_, err := w.Replay(func(id PageID, image []byte) error {
		applied[id] = append([]byte(nil), image...)
		return nil
	})
	require.NoError(t, err)
	return applied
}

func TestWAL_ReplayAppliesClosedGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w := openTestWAL(t, path)

	require.NoError(t, w.AppendFrame(1, 7, pageImage(0xAA)))
	require.NoError(t, w.AppendFrame(2, 7, pageImage(0xBB)))
	require.NoError(t, w.AppendCommit(7))
	require.NoError(t, w.Close())

	reopened := openTestWAL(t, path)
	applied := replayAll(t, reopened)
	require.Len(t, applied, 2)
	assert.Equal(t, pageImage(0xAA), applied[PageID(1)])
	assert.Equal(t, pageImage(0xBB), applied[PageID(2)])
}

func TestWAL_CrashBeforeCommitLosesGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w := openTestWAL(t, path)

	// Group 1 closed, group 2 interrupted before its commit frame.
	require.NoError(t, w.AppendFrame(1, 1, pageImage(0x01)))
	require.NoError(t, w.AppendCommit(1))
	require.NoError(t, w.AppendFrame(2, 2, pageImage(0x02)))
	require.NoError(t, w.Close())

	reopened := openTestWAL(t, path)
	applied := replayAll(t, reopened)
	require.Len(t, applied, 1)
	assert.Contains(t, applied, PageID(1))
	assert.NotContains(t, applied, PageID(2))
}

func TestWAL_TornFrameEndsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w := openTestWAL(t, path)

	require.NoError(t, w.AppendFrame(1, 1, pageImage(0x01)))
	require.NoError(t, w.AppendCommit(1))
	require.NoError(t, w.AppendFrame(2, 2, pageImage(0x02)))
	require.NoError(t, w.AppendCommit(2))
	require.NoError(t, w.Close())

	// Chop bytes off the tail so the last commit frame is partial.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-10))

	reopened := openTestWAL(t, path)
	applied := replayAll(t, reopened)
	require.Len(t, applied, 1)
	assert.Contains(t, applied, PageID(1))
}

func TestWAL_CorruptImageEndsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w := openTestWAL(t, path)

	require.NoError(t, w.AppendFrame(1, 1, pageImage(0x01)))
	require.NoError(t, w.AppendCommit(1))
	require.NoError(t, w.AppendFrame(2, 2, pageImage(0x02)))
	require.NoError(t, w.AppendCommit(2))
	require.NoError(t, w.Close())

	// Flip a byte inside the second group's page image.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	offset := int64(walHeaderSize + 2*walFrameHeaderSize + walTestPageSize + walFrameHeaderSize + 10)
	_, err = f.WriteAt([]byte{0xFF}, offset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openTestWAL(t, path)
	applied := replayAll(t, reopened)
	require.Len(t, applied, 1)
	assert.Contains(t, applied, PageID(1))
}

func TestWAL_ResetTruncatesToHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w := openTestWAL(t, path)

	require.NoError(t, w.AppendFrame(1, 1, pageImage(0x01)))
	require.NoError(t, w.AppendCommit(1))
	require.NoError(t, w.Reset())

	size, err := w.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(walHeaderSize), size)

	applied := replayAll(t, w)
	assert.Empty(t, applied)
}

func TestWAL_RewindDropsAbandonedGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w := openTestWAL(t, path)

	require.NoError(t, w.AppendFrame(1, 1, pageImage(0x11)))
	require.NoError(t, w.AppendCommit(1))

	// A fully appended group that must not survive: its commit failed
	// after the frames went out.
	mark, err := w.Mark()
	require.NoError(t, err)
	require.NoError(t, w.AppendFrame(2, 2, pageImage(0x22)))
	require.NoError(t, w.AppendCommit(2))
	require.NoError(t, w.Rewind(mark))

	// Appends after the rewind continue a clean frame sequence.
	require.NoError(t, w.AppendFrame(3, 3, pageImage(0x33)))
	require.NoError(t, w.AppendCommit(3))
	require.NoError(t, w.Close())

	reopened := openTestWAL(t, path)
	applied := replayAll(t, reopened)
	require.Len(t, applied, 2)
	assert.Equal(t, pageImage(0x11), applied[PageID(1)])
	assert.Equal(t, pageImage(0x33), applied[PageID(3)])
	assert.NotContains(t, applied, PageID(2))
}

func TestWAL_RejectsPageSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w := openTestWAL(t, path)
	require.NoError(t, w.AppendFrame(1, 1, pageImage(0x01)))
	require.NoError(t, w.Close())

	_, err := openWAL(path, walTestPageSize*2, false)
	assert.ErrorIs(t, err, ErrWALCorrupted)
}

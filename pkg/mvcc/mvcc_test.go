package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_Codec(t *testing.T) {
	h := Header{Begin: 10, End: 20, Flags: FlagTombstone | FlagExternal, PayloadLen: 512}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.IsTombstone())
	assert.True(t, got.IsExternal())
	assert.False(t, got.IsPending())

	_, err = DecodeHeader(buf[:10])
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestHeader_Visibility(t *testing.T) {
	t.Run("open_interval", func(t *testing.T) {
		h := Header{Begin: 5, End: 0}
		assert.False(t, h.VisibleAt(4))
		assert.True(t, h.VisibleAt(5))
		assert.True(t, h.VisibleAt(100))
	})

	t.Run("closed_interval", func(t *testing.T) {
		h := Header{Begin: 5, End: 9}
		assert.False(t, h.VisibleAt(4))
		assert.True(t, h.VisibleAt(5))
		assert.True(t, h.VisibleAt(8))
		assert.False(t, h.VisibleAt(9))
		assert.False(t, h.VisibleAt(10))
	})

	t.Run("pending_invisible_everywhere", func(t *testing.T) {
		h := Header{Begin: 1, Flags: FlagPending}
		assert.False(t, h.VisibleAt(0))
		assert.False(t, h.VisibleAt(1))
		assert.False(t, h.VisibleAt(^uint64(0)))
	})
}

func TestFinalizeHead(t *testing.T) {
	t.Run("flips_pending_in_place", func(t *testing.T) {
		h := Header{Begin: 42, Flags: FlagPending | FlagExternal, PayloadLen: 24}
		buf := make([]byte, HeaderSize+100)
		h.Encode(buf)
		buf[HeaderSize] = 0xAB // row body must not move

		require.NoError(t, FinalizeHead(buf, 42))

		got, err := DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), got.Begin)
		assert.False(t, got.IsPending())
		assert.True(t, got.IsExternal())
		assert.Equal(t, uint16(24), got.PayloadLen)
		assert.Equal(t, byte(0xAB), buf[HeaderSize])
	})

	t.Run("tombstone_keeps_creating_commit", func(t *testing.T) {
		h := Header{Begin: 7, End: 42, Flags: FlagPending | FlagTombstone}
		buf := make([]byte, HeaderSize)
		h.Encode(buf)

		require.NoError(t, FinalizeHead(buf, 42))

		got, err := DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), got.Begin)
		assert.Equal(t, uint64(42), got.End)
		assert.False(t, got.IsPending())
		assert.True(t, got.IsTombstone())
	})

	t.Run("rejects_already_committed", func(t *testing.T) {
		h := Header{Begin: 7}
		buf := make([]byte, HeaderSize)
		h.Encode(buf)
		assert.Error(t, FinalizeHead(buf, 42))
	})

	t.Run("rejects_foreign_commit", func(t *testing.T) {
		h := Header{Begin: 7, Flags: FlagPending}
		buf := make([]byte, HeaderSize)
		h.Encode(buf)
		assert.Error(t, FinalizeHead(buf, 42))
	})
}

func TestCommitTable(t *testing.T) {
	t.Run("reserve_advances_ids", func(t *testing.T) {
		ct := NewCommitTable(10)
		assert.Equal(t, uint64(11), ct.Reserve())
		assert.Equal(t, uint64(12), ct.Reserve())
		assert.Equal(t, 2, ct.InFlight())
	})

	t.Run("snapshot_excludes_in_flight", func(t *testing.T) {
		ct := NewCommitTable(10)
		id := ct.Reserve()
		assert.Equal(t, uint64(10), ct.Snapshot())
		ct.MarkCommitted(id)
		assert.Equal(t, id, ct.Snapshot())
		assert.Equal(t, 0, ct.InFlight())
	})

	t.Run("release_never_reuses_id", func(t *testing.T) {
		ct := NewCommitTable(0)
		aborted := ct.Reserve()
		ct.Release(aborted)
		assert.Equal(t, uint64(0), ct.Snapshot())
		assert.Greater(t, ct.Reserve(), aborted)
	})
}

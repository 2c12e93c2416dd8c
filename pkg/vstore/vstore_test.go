package vstore

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/runestone/pkg/pager"
)

func openTestStore(t *testing.T) (*pager.Pager, *Store) {
	t.Helper()
	pg, err := pager.Open(filepath.Join(t.TempDir(), "v.db"),
		pager.Options{PageSize: 256, NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return pg, New(pg)
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	rng := rand.New(rand.NewSource(int64(n)))
	_, err := rng.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestStore_WriteRead(t *testing.T) {
	_, s := openTestStore(t)

	t.Run("single_page_payload", func(t *testing.T) {
		data := randomPayload(t, 100)
		ref, err := s.Write(data)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), ref.NPages)
		assert.Equal(t, uint32(100), ref.Len)

		got, err := s.Read(ref)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got))
	})

	t.Run("multi_page_payload", func(t *testing.T) {
		// 256-byte pages hold 240 payload bytes each.
		data := randomPayload(t, 1000)
		ref, err := s.Write(data)
		require.NoError(t, err)
		assert.Equal(t, uint32(5), ref.NPages)

		got, err := s.Read(ref)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got))
	})

	t.Run("exact_page_boundary", func(t *testing.T) {
		data := randomPayload(t, 480)
		ref, err := s.Write(data)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), ref.NPages)

		got, err := s.Read(ref)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got))
	})

	t.Run("rejects_empty_payload", func(t *testing.T) {
		_, err := s.Write(nil)
		assert.ErrorIs(t, err, ErrBadRef)
	})
}

func TestStore_RefCodec(t *testing.T) {
	ref := VRef{StartPage: 42, NPages: 7, Len: 1234, Sum: 0xDEADBEEF}
	buf := make([]byte, RefSize)
	ref.Encode(buf)

	got, err := DecodeRef(buf)
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	_, err = DecodeRef(buf[:10])
	assert.ErrorIs(t, err, ErrBadRef)
}

func TestStore_ChecksumDetectsCorruption(t *testing.T) {
	pg, s := openTestStore(t)

	data := randomPayload(t, 600)
	ref, err := s.Write(data)
	require.NoError(t, err)

	// Flip a payload byte on the first chain page.
	buf, err := pg.Read(ref.StartPage)
	require.NoError(t, err)
	buf[20] ^= 0xFF
	require.NoError(t, pg.Write(ref.StartPage, buf))

	_, err = s.Read(ref)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestStore_FreeReturnsPages(t *testing.T) {
	pg, s := openTestStore(t)

	data := randomPayload(t, 700)
	ref, err := s.Write(data)
	require.NoError(t, err)
	require.NoError(t, pg.Commit(1))

	require.NoError(t, s.Free(ref))
	require.NoError(t, pg.Commit(2))

	assert.Equal(t, uint64(ref.NPages), pg.Stats().FreePages)

	// Freed pages are handed out again.
	id, err := pg.AllocPage()
	require.NoError(t, err)
	assert.Less(t, uint64(id), pg.Stats().PageCount)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.db")
	pg, err := pager.Open(path, pager.Options{PageSize: 256, NoSync: true})
	require.NoError(t, err)

	data := randomPayload(t, 900)
	ref, err := New(pg).Write(data)
	require.NoError(t, err)
	require.NoError(t, pg.Commit(1))
	require.NoError(t, pg.Close())

	pg2, err := pager.Open(path, pager.Options{PageSize: 256, NoSync: true})
	require.NoError(t, err)
	defer pg2.Close()

	got, err := New(pg2).Read(ref)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

// Package vstore keeps property payloads too large to inline in a row.
//
// A payload is chunked across a singly linked chain of pager pages and
// addressed by a fixed-size VRef holding the chain head, page count,
// byte length and an xxhash checksum of the whole payload. Chains are
// immutable: an update writes a new chain and frees the old one, so a
// VRef is only ever owned by a single live row version.
package vstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/orneryd/runestone/pkg/pager"
)

// Store errors.
var (
	ErrChecksum  = errors.New("vstore: payload checksum mismatch")
	ErrBadRef    = errors.New("vstore: malformed reference")
	ErrTruncated = errors.New("vstore: chain shorter than reference")
)

// Per-page chunk header: [next page u64][used u32][reserved u32].
const chunkHeaderLen = 16

// RefSize is the encoded size of a VRef in bytes.
const RefSize = 24

// VRef addresses one stored payload. The zero VRef is "no payload".
type VRef struct {
	StartPage pager.PageID
	NPages    uint32
	Len       uint32
	Sum       uint64
}

// IsZero reports whether the reference points at nothing.
func (r VRef) IsZero() bool { return r.StartPage == 0 }

// Encode writes the reference into buf, which must be at least RefSize
// bytes.
func (r VRef) Encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.StartPage))
	binary.BigEndian.PutUint32(buf[8:12], r.NPages)
	binary.BigEndian.PutUint32(buf[12:16], r.Len)
	binary.BigEndian.PutUint64(buf[16:24], r.Sum)
}

// DecodeRef reads a reference back out of buf.
func DecodeRef(buf []byte) (VRef, error) {
	if len(buf) < RefSize {
		return VRef{}, fmt.Errorf("%w: %d bytes", ErrBadRef, len(buf))
	}
	return VRef{
		StartPage: pager.PageID(binary.BigEndian.Uint64(buf[0:8])),
		NPages:    binary.BigEndian.Uint32(buf[8:12]),
		Len:       binary.BigEndian.Uint32(buf[12:16]),
		Sum:       binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// Store reads and writes payload chains through a pager. Durability and
// atomicity come from the enclosing transaction's commit; the store
// itself only stages pages.
type Store struct {
	pg *pager.Pager

	// snapshot views read committed page images only, so a chain the
	// writer freed mid-transaction still reads back intact.
	snapshot bool
}

// New returns a store over pg.
func New(pg *pager.Pager) *Store {
	return &Store{pg: pg}
}

// Snapshot returns a read-only view of the store as of the last commit.
// Write and Free must not be called on the view.
func (s *Store) Snapshot() *Store {
	return &Store{pg: s.pg, snapshot: true}
}

func (s *Store) readPage(id pager.PageID) ([]byte, error) {
	if s.snapshot {
		return s.pg.ReadCommitted(id)
	}
	return s.pg.Read(id)
}

func (s *Store) chunkCapacity() int {
	return s.pg.PageSize() - chunkHeaderLen
}

// Write chunks data into a fresh chain and returns its reference.
func (s *Store) Write(data []byte) (VRef, error) {
	if s.snapshot {
		return VRef{}, fmt.Errorf("%w: write on snapshot view", ErrBadRef)
	}
	if len(data) == 0 {
		return VRef{}, fmt.Errorf("%w: empty payload", ErrBadRef)
	}

	capacity := s.chunkCapacity()
	nPages := (len(data) + capacity - 1) / capacity

	pages := make([]pager.PageID, nPages)
	for i := range pages {
		id, err := s.pg.AllocPage()
		if err != nil {
			return VRef{}, err
		}
		pages[i] = id
	}

	remaining := data
	for i, id := range pages {
		chunk := remaining
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		remaining = remaining[len(chunk):]

		buf := make([]byte, s.pg.PageSize())
		next := pager.PageID(0)
		if i+1 < len(pages) {
			next = pages[i+1]
		}
		binary.BigEndian.PutUint64(buf[0:8], uint64(next))
		binary.BigEndian.PutUint32(buf[8:12], uint32(len(chunk)))
		copy(buf[chunkHeaderLen:], chunk)
		if err := s.pg.Write(id, buf); err != nil {
			return VRef{}, err
		}
	}

	return VRef{
		StartPage: pages[0],
		NPages:    uint32(nPages),
		Len:       uint32(len(data)),
		Sum:       xxhash.Sum64(data),
	}, nil
}

// Read follows the chain and returns the payload after verifying its
// checksum.
func (s *Store) Read(ref VRef) ([]byte, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: zero reference", ErrBadRef)
	}
	out := make([]byte, 0, ref.Len)
	id := ref.StartPage
	for i := uint32(0); i < ref.NPages; i++ {
		if id == 0 {
			return nil, fmt.Errorf("vstore: chain ends after %d of %d pages: %w",
				i, ref.NPages, ErrTruncated)
		}
		buf, err := s.readPage(id)
		if err != nil {
			return nil, err
		}
		next := pager.PageID(binary.BigEndian.Uint64(buf[0:8]))
		used := int(binary.BigEndian.Uint32(buf[8:12]))
		if used <= 0 || used > s.chunkCapacity() {
			return nil, fmt.Errorf("vstore: page %d claims %d used bytes: %w",
				id, used, pager.ErrCorruption)
		}
		out = append(out, buf[chunkHeaderLen:chunkHeaderLen+used]...)
		id = next
	}
	if uint32(len(out)) != ref.Len {
		return nil, fmt.Errorf("vstore: read %d bytes, reference says %d: %w",
			len(out), ref.Len, pager.ErrCorruption)
	}
	if xxhash.Sum64(out) != ref.Sum {
		return nil, ErrChecksum
	}
	return out, nil
}

// Free returns every page of the chain to the pager's free list. The
// caller must be the reference's sole owner.
func (s *Store) Free(ref VRef) error {
	if s.snapshot {
		return fmt.Errorf("%w: free on snapshot view", ErrBadRef)
	}
	if ref.IsZero() {
		return nil
	}
	id := ref.StartPage
	for i := uint32(0); i < ref.NPages && id != 0; i++ {
		buf, err := s.pg.Read(id)
		if err != nil {
			return err
		}
		next := pager.PageID(binary.BigEndian.Uint64(buf[0:8]))
		if err := s.pg.FreePage(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}

// Package mvcc implements the row version header and the in-memory
// commit table behind snapshot reads.
//
// Every row stored in the node and edge trees starts with a fixed-width
// version header carrying the commit interval the row is alive in. The
// header's width never changes between the pending and committed states,
// so finalizing a commit can patch headers in place without moving row
// bytes or disturbing the tree around them.
package mvcc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Version header flags.
const (
	// FlagTombstone marks a deletion marker rather than row data.
	FlagTombstone uint16 = 0x1
	// FlagExternal marks a row whose payload lives in the value store;
	// the row body is a VRef instead of inline bytes.
	FlagExternal uint16 = 0x2
	// FlagPending marks a row written by a transaction that has not
	// finalized yet. Pending rows are invisible to every snapshot.
	FlagPending uint16 = 0x4
)

// HeaderSize is the encoded size of a version header.
const HeaderSize = 24

// Header errors.
var (
	ErrShortHeader = errors.New("mvcc: buffer shorter than version header")
)

// Header is the fixed-width version prefix of every stored row.
//
// Begin is the commit id that created this version. End is the commit id
// that superseded or deleted it, zero while the version is current.
type Header struct {
	Begin      uint64
	End        uint64
	Flags      uint16
	PayloadLen uint16
}

// Encode writes the header into buf, which must hold HeaderSize bytes.
func (h Header) Encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], h.Begin)
	binary.BigEndian.PutUint64(buf[8:16], h.End)
	binary.BigEndian.PutUint16(buf[16:18], h.Flags)
	binary.BigEndian.PutUint16(buf[18:20], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[20:24], 0)
}

// DecodeHeader reads a header back out of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(buf))
	}
	return Header{
		Begin:      binary.BigEndian.Uint64(buf[0:8]),
		End:        binary.BigEndian.Uint64(buf[8:16]),
		Flags:      binary.BigEndian.Uint16(buf[16:18]),
		PayloadLen: binary.BigEndian.Uint16(buf[18:20]),
	}, nil
}

// IsTombstone reports whether the version is a deletion marker.
func (h Header) IsTombstone() bool { return h.Flags&FlagTombstone != 0 }

// IsExternal reports whether the row body is a value-store reference.
func (h Header) IsExternal() bool { return h.Flags&FlagExternal != 0 }

// IsPending reports whether the owning transaction has not finalized.
func (h Header) IsPending() bool { return h.Flags&FlagPending != 0 }

// VisibleAt reports whether this version exists in the snapshot taken at
// commit id snap. Pending versions are visible to nobody; a version is
// in scope when it was created at or before the snapshot and not ended
// by it.
func (h Header) VisibleAt(snap uint64) bool {
	if h.IsPending() {
		return false
	}
	if h.Begin > snap {
		return false
	}
	return h.End == 0 || snap < h.End
}

// FinalizeHead patches a pending header in buf to the committed state.
// The commit interval stays as the transaction wrote it: Begin keeps the
// creating commit on inserts, and a tombstone keeps the original Begin
// with commitID in End. The rewrite touches only the fixed-width prefix.
func FinalizeHead(buf []byte, commitID uint64) error {
	h, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	if !h.IsPending() {
		return fmt.Errorf("mvcc: header already finalized (begin %d)", h.Begin)
	}
	if h.Begin != commitID && h.End != commitID {
		return fmt.Errorf("mvcc: commit %d finalizing foreign version [%d, %d)",
			commitID, h.Begin, h.End)
	}
	h.Flags &^= FlagPending
	h.Encode(buf)
	return nil
}

// CommitTable hands out commit ids and tracks which ones have finalized.
// Readers take the highest finalized id as their snapshot; a writer's
// reserved id stays invisible until it is marked committed.
type CommitTable struct {
	mu        sync.Mutex
	next      uint64
	committed uint64
	inFlight  map[uint64]struct{}
}

// NewCommitTable seeds the table from the last durable commit id.
func NewCommitTable(lastCommitted uint64) *CommitTable {
	return &CommitTable{
		next:      lastCommitted + 1,
		committed: lastCommitted,
		inFlight:  map[uint64]struct{}{},
	}
}

// Reserve allocates the next commit id for a writer.
func (ct *CommitTable) Reserve() uint64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	id := ct.next
	ct.next++
	ct.inFlight[id] = struct{}{}
	return id
}

// MarkCommitted finalizes a reserved id. With a single writer ids
// finalize in order, so the snapshot horizon simply advances to id.
func (ct *CommitTable) MarkCommitted(id uint64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.inFlight, id)
	if id > ct.committed {
		ct.committed = id
	}
}

// Release abandons a reserved id without committing it. The id is never
// reused; any rows written under it stay pending and invisible forever.
func (ct *CommitTable) Release(id uint64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.inFlight, id)
}

// Snapshot returns the current read horizon.
func (ct *CommitTable) Snapshot() uint64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.committed
}

// InFlight reports how many reserved ids have not resolved yet.
func (ct *CommitTable) InFlight() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.inFlight)
}

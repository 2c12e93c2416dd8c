package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/orneryd/runestone/pkg/pager"
)

// On-page layout. The whole pager page belongs to the tree:
//
//	[ header 16B | records ... free region ... | slot directory ]
//
// Records are appended at freeStart; the slot directory grows down from
// the page tail and holds one 2-byte record offset per entry, sorted by
// key. freeStart..freeEnd is the contiguous free region. Deleting an
// entry drops its slot; the record bytes are reclaimed by the next
// compaction.
const (
	pageKindLeaf     = 1
	pageKindInternal = 2

	offKind      = 0
	offFlags     = 1
	offSlotCount = 2
	offFreeStart = 4
	offFreeEnd   = 6
	offRightSib  = 8
	pageHeaderLen = 16

	slotEntryLen = 2

	// Leaf record: [keyLen u16][valLen u32][key][value]
	leafRecordHeaderLen = 6
	// Internal record: [child u64][keyLen u16][key]
	internalRecordHeaderLen = 10
)

type node struct {
	id   pager.PageID
	buf  []byte
	kind byte
}

func initPage(buf []byte, kind byte) {
	for i := range buf {
		buf[i] = 0
	}
	buf[offKind] = kind
	binary.BigEndian.PutUint16(buf[offSlotCount:], 0)
	binary.BigEndian.PutUint16(buf[offFreeStart:], pageHeaderLen)
	binary.BigEndian.PutUint16(buf[offFreeEnd:], uint16(len(buf)))
}

func loadNode(id pager.PageID, buf []byte) (*node, error) {
	if len(buf) < pageHeaderLen {
		return nil, fmt.Errorf("btree: page %d shorter than header: %w", id, pager.ErrCorruption)
	}
	kind := buf[offKind]
	if kind != pageKindLeaf && kind != pageKindInternal {
		return nil, fmt.Errorf("btree: page %d has unknown kind 0x%02x: %w", id, kind, pager.ErrCorruption)
	}
	n := &node{id: id, buf: buf, kind: kind}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node) validate() error {
	fs, fe := n.freeStart(), n.freeEnd()
	slotBytes := n.slotCount() * slotEntryLen
	if fs < pageHeaderLen || int(fe) > len(n.buf) || fs > fe {
		return fmt.Errorf("btree: page %d free pointers out of range: %w", n.id, pager.ErrCorruption)
	}
	if len(n.buf)-slotBytes < fe {
		return fmt.Errorf("btree: page %d slot directory overlaps free region: %w", n.id, pager.ErrCorruption)
	}
	return nil
}

func (n *node) isLeaf() bool    { return n.kind == pageKindLeaf }
func (n *node) slotCount() int  { return int(binary.BigEndian.Uint16(n.buf[offSlotCount:])) }
func (n *node) freeStart() int  { return int(binary.BigEndian.Uint16(n.buf[offFreeStart:])) }
func (n *node) freeEnd() int    { return int(binary.BigEndian.Uint16(n.buf[offFreeEnd:])) }
func (n *node) rightSibling() pager.PageID {
	return pager.PageID(binary.BigEndian.Uint64(n.buf[offRightSib:]))
}

func (n *node) setSlotCount(v int)  { binary.BigEndian.PutUint16(n.buf[offSlotCount:], uint16(v)) }
func (n *node) setFreeStart(v int)  { binary.BigEndian.PutUint16(n.buf[offFreeStart:], uint16(v)) }
func (n *node) setFreeEnd(v int)    { binary.BigEndian.PutUint16(n.buf[offFreeEnd:], uint16(v)) }
func (n *node) setRightSibling(id pager.PageID) {
	binary.BigEndian.PutUint64(n.buf[offRightSib:], uint64(id))
}

func (n *node) slotOffset(idx int) int {
	return int(binary.BigEndian.Uint16(n.buf[len(n.buf)-(idx+1)*slotEntryLen:]))
}

func (n *node) setSlotOffset(idx, off int) {
	binary.BigEndian.PutUint16(n.buf[len(n.buf)-(idx+1)*slotEntryLen:], uint16(off))
}

// record returns key and value (or key and child payload for internal
// pages) of the entry at slot idx.
func (n *node) recordKey(idx int) ([]byte, error) {
	off := n.slotOffset(idx)
	if n.isLeaf() {
		rec, err := decodeLeafRecord(n.buf, off)
		if err != nil {
			return nil, err
		}
		return rec.key, nil
	}
	rec, err := decodeInternalRecord(n.buf, off)
	if err != nil {
		return nil, err
	}
	return rec.key, nil
}

type leafRecord struct {
	key   []byte
	value []byte
}

func (r leafRecord) encodedLen() int {
	return leafRecordHeaderLen + len(r.key) + len(r.value)
}

func decodeLeafRecord(buf []byte, off int) (leafRecord, error) {
	if off < pageHeaderLen || off+leafRecordHeaderLen > len(buf) {
		return leafRecord{}, fmt.Errorf("btree: leaf record offset %d out of range: %w", off, pager.ErrCorruption)
	}
	keyLen := int(binary.BigEndian.Uint16(buf[off:]))
	valLen := int(binary.BigEndian.Uint32(buf[off+2:]))
	end := off + leafRecordHeaderLen + keyLen + valLen
	if end > len(buf) {
		return leafRecord{}, fmt.Errorf("btree: leaf record truncated: %w", pager.ErrCorruption)
	}
	keyStart := off + leafRecordHeaderLen
	return leafRecord{
		key:   buf[keyStart : keyStart+keyLen],
		value: buf[keyStart+keyLen : end],
	}, nil
}

func encodeLeafRecord(buf []byte, off int, key, value []byte) {
	binary.BigEndian.PutUint16(buf[off:], uint16(len(key)))
	binary.BigEndian.PutUint32(buf[off+2:], uint32(len(value)))
	copy(buf[off+leafRecordHeaderLen:], key)
	copy(buf[off+leafRecordHeaderLen+len(key):], value)
}

type internalRecord struct {
	key   []byte
	child pager.PageID
}

func (r internalRecord) encodedLen() int {
	return internalRecordHeaderLen + len(r.key)
}

func decodeInternalRecord(buf []byte, off int) (internalRecord, error) {
	if off < pageHeaderLen || off+internalRecordHeaderLen > len(buf) {
		return internalRecord{}, fmt.Errorf("btree: internal record offset %d out of range: %w", off, pager.ErrCorruption)
	}
	child := pager.PageID(binary.BigEndian.Uint64(buf[off:]))
	keyLen := int(binary.BigEndian.Uint16(buf[off+8:]))
	end := off + internalRecordHeaderLen + keyLen
	if end > len(buf) {
		return internalRecord{}, fmt.Errorf("btree: internal record truncated: %w", pager.ErrCorruption)
	}
	return internalRecord{
		key:   buf[off+internalRecordHeaderLen : end],
		child: child,
	}, nil
}

func encodeInternalRecord(buf []byte, off int, key []byte, child pager.PageID) {
	binary.BigEndian.PutUint64(buf[off:], uint64(child))
	binary.BigEndian.PutUint16(buf[off+8:], uint16(len(key)))
	copy(buf[off+internalRecordHeaderLen:], key)
}

// search locates key in the slot directory. Returns the slot index and
// whether the key was found; when not found the index is the insertion
// position.
func (n *node) search(key []byte) (int, bool, error) {
	count := n.slotCount()
	var searchErr error
	idx := sort.Search(count, func(i int) bool {
		k, err := n.recordKey(i)
		if err != nil && searchErr == nil {
			searchErr = err
		}
		return bytes.Compare(k, key) >= 0
	})
	if searchErr != nil {
		return 0, false, searchErr
	}
	if idx < count {
		k, err := n.recordKey(idx)
		if err != nil {
			return 0, false, err
		}
		if bytes.Equal(k, key) {
			return idx, true, nil
		}
	}
	return idx, false, nil
}

// childFor picks the child to descend into for key: the last entry whose
// separator is <= key, or the first entry when key sorts before every
// separator. Also reports the slot chosen.
func (n *node) childFor(key []byte) (pager.PageID, int, error) {
	count := n.slotCount()
	if count == 0 {
		return 0, 0, fmt.Errorf("btree: internal page %d is empty: %w", n.id, pager.ErrCorruption)
	}
	idx, found, err := n.search(key)
	if err != nil {
		return 0, 0, err
	}
	if !found && idx > 0 {
		idx--
	}
	if idx >= count {
		idx = count - 1
	}
	rec, err := decodeInternalRecord(n.buf, n.slotOffset(idx))
	if err != nil {
		return 0, 0, err
	}
	return rec.child, idx, nil
}

// freeBytes is the contiguous free region available for one record plus
// its slot entry.
func (n *node) freeBytes() int {
	return n.freeEnd() - n.freeStart()
}

// liveBytes sums the encoded length of all slotted records.
func (n *node) liveBytes() (int, error) {
	total := 0
	for i := 0; i < n.slotCount(); i++ {
		off := n.slotOffset(i)
		if n.isLeaf() {
			rec, err := decodeLeafRecord(n.buf, off)
			if err != nil {
				return 0, err
			}
			total += rec.encodedLen()
		} else {
			rec, err := decodeInternalRecord(n.buf, off)
			if err != nil {
				return 0, err
			}
			total += rec.encodedLen()
		}
	}
	return total, nil
}

// insertAt places an encoded record into the free region and a slot entry
// at idx, shifting later slots. Caller has verified the space.
func (n *node) insertAt(idx, recLen int, encode func(buf []byte, off int)) {
	off := n.freeStart()
	encode(n.buf, off)
	n.setFreeStart(off + recLen)

	count := n.slotCount()
	// Slot entries live at the page tail; make room by moving the tail
	// of the directory (entries idx..count-1) one entry further down.
	for i := count; i > idx; i-- {
		n.setSlotOffset(i, n.slotOffset(i-1))
	}
	n.setSlotOffset(idx, off)
	n.setSlotCount(count + 1)
	n.setFreeEnd(len(n.buf) - (count+1)*slotEntryLen)
}

// removeAt drops the slot entry at idx. Record bytes stay where they are
// until the next compaction.
func (n *node) removeAt(idx int) {
	count := n.slotCount()
	for i := idx; i < count-1; i++ {
		n.setSlotOffset(i, n.slotOffset(i+1))
	}
	n.setSlotCount(count - 1)
	n.setFreeEnd(len(n.buf) - (count-1)*slotEntryLen)
}

// compact rewrites the page with only live records, defragmenting the
// free region. The new layout is computed in a scratch buffer first so a
// failure cannot corrupt the page.
func (n *node) compact() error {
	type live struct {
		key   []byte
		value []byte
		child pager.PageID
	}
	count := n.slotCount()
	records := make([]live, count)
	for i := 0; i < count; i++ {
		off := n.slotOffset(i)
		if n.isLeaf() {
			rec, err := decodeLeafRecord(n.buf, off)
			if err != nil {
				return err
			}
			records[i] = live{key: append([]byte(nil), rec.key...), value: append([]byte(nil), rec.value...)}
		} else {
			rec, err := decodeInternalRecord(n.buf, off)
			if err != nil {
				return err
			}
			records[i] = live{key: append([]byte(nil), rec.key...), child: rec.child}
		}
	}

	scratch := make([]byte, len(n.buf))
	initPage(scratch, n.kind)
	fresh := &node{id: n.id, buf: scratch, kind: n.kind}
	fresh.setRightSibling(n.rightSibling())
	for i, rec := range records {
		if n.isLeaf() {
			r := leafRecord{key: rec.key, value: rec.value}
			fresh.insertAt(i, r.encodedLen(), func(buf []byte, off int) {
				encodeLeafRecord(buf, off, rec.key, rec.value)
			})
		} else {
			r := internalRecord{key: rec.key, child: rec.child}
			fresh.insertAt(i, r.encodedLen(), func(buf []byte, off int) {
				encodeInternalRecord(buf, off, rec.key, rec.child)
			})
		}
	}
	copy(n.buf, scratch)
	return nil
}

package pager

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	metaMagic        = "RUNESTN\x00"
	metaVersionMajor = 1
	metaVersionMinor = 0

	// Fixed-width portion of the meta page before the root-pointer table.
	metaFixedLen = 64

	maxRootNameLen = 64
)

// Meta is the content of the header page (page 0). It is rewritten as part
// of every commit group, so a torn write is always repaired by WAL replay.
type Meta struct {
	PageSize     uint32
	PageCount    uint64 // next page id to allocate from the file tail
	FreeHead     PageID // head of the free-page list, 0 when empty
	NextNodeID   uint64
	NextEdgeID   uint64
	LastCommitID uint64

	// Root page id per logical tree, keyed by tree name ("nodes",
	// "edges", "adj_fwd", ...). A missing entry means the tree has not
	// been created yet.
	Roots map[string]PageID
}

func newMeta(pageSize int) Meta {
	return Meta{
		PageSize:     uint32(pageSize),
		PageCount:    1, // page 0 is the header page itself
		NextNodeID:   1,
		NextEdgeID:   1,
		Roots:        make(map[string]PageID),
	}
}

func (m *Meta) clone() Meta {
	out := *m
	out.Roots = make(map[string]PageID, len(m.Roots))
	for k, v := range m.Roots {
		out.Roots[k] = v
	}
	return out
}

// encode serializes the meta into a full page image. Root entries are
// written name-sorted so identical state always produces identical bytes.
func (m *Meta) encode(buf []byte) error {
	if len(buf) < metaFixedLen {
		return fmt.Errorf("pager: meta buffer too small: %w", ErrCorruption)
	}
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[0:8], metaMagic)
	binary.BigEndian.PutUint16(buf[8:10], metaVersionMajor)
	binary.BigEndian.PutUint16(buf[10:12], metaVersionMinor)
	binary.BigEndian.PutUint32(buf[12:16], m.PageSize)
	binary.BigEndian.PutUint64(buf[16:24], m.PageCount)
	binary.BigEndian.PutUint64(buf[24:32], uint64(m.FreeHead))
	binary.BigEndian.PutUint64(buf[32:40], m.NextNodeID)
	binary.BigEndian.PutUint64(buf[40:48], m.NextEdgeID)
	binary.BigEndian.PutUint64(buf[48:56], m.LastCommitID)
	binary.BigEndian.PutUint32(buf[56:60], uint32(len(m.Roots)))

	names := make([]string, 0, len(m.Roots))
	for name := range m.Roots {
		names = append(names, name)
	}
	sort.Strings(names)

	off := metaFixedLen
	for _, name := range names {
		need := 2 + len(name) + 8
		if len(name) > maxRootNameLen {
			return fmt.Errorf("pager: root name %q too long", name)
		}
		if off+need > len(buf) {
			return fmt.Errorf("pager: root table exceeds header page")
		}
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(name)))
		off += 2
		copy(buf[off:off+len(name)], name)
		off += len(name)
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(m.Roots[name]))
		off += 8
	}
	return nil
}

// decodeMeta parses a header page. Returns (nil, nil) for an all-zero page,
// which means the file was created but never committed.
func decodeMeta(buf []byte) (*Meta, error) {
	if len(buf) < metaFixedLen {
		return nil, fmt.Errorf("pager: header page truncated: %w", ErrCorruption)
	}
	zero := true
	for _, b := range buf[0:8] {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil, nil
	}
	if string(buf[0:8]) != metaMagic {
		return nil, fmt.Errorf("pager: bad header magic: %w", ErrCorruption)
	}
	major := binary.BigEndian.Uint16(buf[8:10])
	minor := binary.BigEndian.Uint16(buf[10:12])
	if major != metaVersionMajor || minor != metaVersionMinor {
		return nil, fmt.Errorf("pager: unsupported file version %d.%d: %w", major, minor, ErrCorruption)
	}

	m := &Meta{
		PageSize:     binary.BigEndian.Uint32(buf[12:16]),
		PageCount:    binary.BigEndian.Uint64(buf[16:24]),
		FreeHead:     PageID(binary.BigEndian.Uint64(buf[24:32])),
		NextNodeID:   binary.BigEndian.Uint64(buf[32:40]),
		NextEdgeID:   binary.BigEndian.Uint64(buf[40:48]),
		LastCommitID: binary.BigEndian.Uint64(buf[48:56]),
		Roots:        make(map[string]PageID),
	}
	count := int(binary.BigEndian.Uint32(buf[56:60]))

	off := metaFixedLen
	for i := 0; i < count; i++ {
		if off+2 > len(buf) {
			return nil, fmt.Errorf("pager: root table truncated: %w", ErrCorruption)
		}
		nameLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		if nameLen == 0 || nameLen > maxRootNameLen || off+nameLen+8 > len(buf) {
			return nil, fmt.Errorf("pager: root entry malformed: %w", ErrCorruption)
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		m.Roots[name] = PageID(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	return m, nil
}

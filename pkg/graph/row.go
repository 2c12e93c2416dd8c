package graph

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/orneryd/runestone/pkg/mvcc"
	"github.com/orneryd/runestone/pkg/vstore"
)

// DefaultSpillThreshold is the encoded property size above which the
// bag moves to the value store and the row keeps only a reference.
const DefaultSpillThreshold = 1024

// Row codec errors.
var (
	ErrBadRow = errors.New("graph: malformed row")
)

// nodeRow is the decoded form of one node tree entry.
type nodeRow struct {
	header mvcc.Header
	labels []uint32
	// Exactly one of props / ref is meaningful, selected by the
	// header's external flag.
	props []byte
	ref   vstore.VRef
}

// edgeRow is the decoded form of one edge tree entry.
type edgeRow struct {
	header mvcc.Header
	src    uint64
	dst    uint64
	typeID uint32
	props  []byte
	ref    vstore.VRef
}

func (r *nodeRow) propsSection() []byte {
	if r.header.IsExternal() {
		buf := make([]byte, vstore.RefSize)
		r.ref.Encode(buf)
		return buf
	}
	return r.props
}

func (r *edgeRow) propsSection() []byte {
	if r.header.IsExternal() {
		buf := make([]byte, vstore.RefSize)
		r.ref.Encode(buf)
		return buf
	}
	return r.props
}

func encodeNodeRow(r *nodeRow) []byte {
	section := r.propsSection()
	r.header.PayloadLen = uint16(len(section))

	out := make([]byte, mvcc.HeaderSize+2+4*len(r.labels)+len(section))
	r.header.Encode(out)
	pos := mvcc.HeaderSize
	binary.BigEndian.PutUint16(out[pos:], uint16(len(r.labels)))
	pos += 2
	for _, id := range r.labels {
		binary.BigEndian.PutUint32(out[pos:], id)
		pos += 4
	}
	copy(out[pos:], section)
	return out
}

func decodeNodeRow(buf []byte) (*nodeRow, error) {
	h, err := mvcc.DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	pos := mvcc.HeaderSize
	if pos+2 > len(buf) {
		return nil, fmt.Errorf("%w: truncated label count", ErrBadRow)
	}
	count := int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2
	if pos+4*count > len(buf) {
		return nil, fmt.Errorf("%w: truncated labels", ErrBadRow)
	}
	labels := make([]uint32, count)
	for i := range labels {
		labels[i] = binary.BigEndian.Uint32(buf[pos:])
		pos += 4
	}

	r := &nodeRow{header: h, labels: labels}
	if err := decodePropsSection(buf[pos:], h, &r.props, &r.ref); err != nil {
		return nil, err
	}
	return r, nil
}

func encodeEdgeRow(r *edgeRow) []byte {
	section := r.propsSection()
	r.header.PayloadLen = uint16(len(section))

	out := make([]byte, mvcc.HeaderSize+20+len(section))
	r.header.Encode(out)
	pos := mvcc.HeaderSize
	binary.BigEndian.PutUint64(out[pos:], r.src)
	binary.BigEndian.PutUint64(out[pos+8:], r.dst)
	binary.BigEndian.PutUint32(out[pos+16:], r.typeID)
	copy(out[pos+20:], section)
	return out
}

func decodeEdgeRow(buf []byte) (*edgeRow, error) {
	h, err := mvcc.DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	pos := mvcc.HeaderSize
	if pos+20 > len(buf) {
		return nil, fmt.Errorf("%w: truncated edge endpoints", ErrBadRow)
	}
	r := &edgeRow{
		header: h,
		src:    binary.BigEndian.Uint64(buf[pos:]),
		dst:    binary.BigEndian.Uint64(buf[pos+8:]),
		typeID: binary.BigEndian.Uint32(buf[pos+16:]),
	}
	if err := decodePropsSection(buf[pos+20:], h, &r.props, &r.ref); err != nil {
		return nil, err
	}
	return r, nil
}

func decodePropsSection(buf []byte, h mvcc.Header, props *[]byte, ref *vstore.VRef) error {
	if len(buf) < int(h.PayloadLen) {
		return fmt.Errorf("%w: payload shorter than header claims", ErrBadRow)
	}
	section := buf[:h.PayloadLen]
	if h.IsExternal() {
		r, err := vstore.DecodeRef(section)
		if err != nil {
			return err
		}
		*ref = r
		return nil
	}
	*props = append([]byte(nil), section...)
	return nil
}

// loadProps materializes a row's property bag, chasing the value-store
// reference for spilled rows.
func loadProps(vs *vstore.Store, h mvcc.Header, inline []byte, ref vstore.VRef) (Props, error) {
	if h.IsTombstone() {
		return nil, nil
	}
	raw := inline
	if h.IsExternal() {
		payload, err := vs.Read(ref)
		if err != nil {
			return nil, err
		}
		raw = payload
	}
	if len(raw) == 0 {
		return Props{}, nil
	}
	return DecodeProps(raw)
}

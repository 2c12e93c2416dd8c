package graph

import (
	"encoding/binary"
	"math"
)

// Tree names registered in the pager header. Every table and index the
// engine maintains is one named B+ tree.
const (
	treeNodes    = "nodes"
	treeEdges    = "edges"
	treeAdjFwd   = "adj_fwd"
	treeAdjRev   = "adj_rev"
	treeLabelIdx = "idx_label"
	treePropIdx  = "idx_prop"

	catLabels = "cat_labels"
	catTypes  = "cat_types"
	catProps  = "cat_props"
)

func beUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// nodeKey is the primary key in the node tree.
func nodeKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// edgeKey is the primary key in the edge tree.
func edgeKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// Forward adjacency keys order by (src, type, dst, edge) so a traversal
// is a single prefix scan; reverse keys swap src and dst.

// fwdAdjKey encodes src|type|dst|edge big-endian.
func fwdAdjKey(src uint64, typeID uint32, dst, edge uint64) []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint64(buf[0:8], src)
	binary.BigEndian.PutUint32(buf[8:12], typeID)
	binary.BigEndian.PutUint64(buf[12:20], dst)
	binary.BigEndian.PutUint64(buf[20:28], edge)
	return buf
}

// revAdjKey encodes dst|type|src|edge big-endian.
func revAdjKey(src uint64, typeID uint32, dst, edge uint64) []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint64(buf[0:8], dst)
	binary.BigEndian.PutUint32(buf[8:12], typeID)
	binary.BigEndian.PutUint64(buf[12:20], src)
	binary.BigEndian.PutUint64(buf[20:28], edge)
	return buf
}

// adjNodePrefix bounds a scan to every adjacency entry of one node.
func adjNodePrefix(node uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, node)
	return buf
}

// adjTypePrefix bounds a scan to one node and edge type.
func adjTypePrefix(node uint64, typeID uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], node)
	binary.BigEndian.PutUint32(buf[8:12], typeID)
	return buf
}

// decodeAdjKey splits an adjacency key back into its components. The
// first id is the scanned node, the second the neighbor.
func decodeAdjKey(key []byte) (first uint64, typeID uint32, second uint64, edge uint64) {
	first = binary.BigEndian.Uint64(key[0:8])
	typeID = binary.BigEndian.Uint32(key[8:12])
	second = binary.BigEndian.Uint64(key[12:20])
	edge = binary.BigEndian.Uint64(key[20:28])
	return
}

// labelIdxKey encodes label|node for the label index. The value is
// empty; membership is the information.
func labelIdxKey(labelID uint32, node uint64) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], labelID)
	binary.BigEndian.PutUint64(buf[4:12], node)
	return buf
}

// labelIdxPrefix bounds a scan to one label.
func labelIdxPrefix(labelID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, labelID)
	return buf
}

// propIdxKey encodes prop|valueKey|node for the property index. The
// value key is an order-preserving encoding of the property value, so
// equality lookups are prefix scans.
func propIdxKey(propID uint32, v Value, node uint64) []byte {
	vk := valueKey(v)
	buf := make([]byte, 0, 4+len(vk)+8)
	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], propID)
	buf = append(buf, scratch[:4]...)
	buf = append(buf, vk...)
	binary.BigEndian.PutUint64(scratch[:8], node)
	buf = append(buf, scratch[:8]...)
	return buf
}

// propIdxPrefix bounds a scan to one property and value.
func propIdxPrefix(propID uint32, v Value) []byte {
	vk := valueKey(v)
	buf := make([]byte, 0, 4+len(vk))
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:4], propID)
	buf = append(buf, scratch[:4]...)
	return append(buf, vk...)
}

// valueKey produces a byte encoding of v that sorts like the value:
// kind tag first, then an order-preserving payload. Signed integers are
// biased so negative values sort before positive; floats use the usual
// sign-flip trick on their IEEE bits.
func valueKey(v Value) []byte {
	var scratch [8]byte
	switch v.Kind {
	case KindNull:
		return []byte{byte(KindNull)}
	case KindBool:
		b := byte(0)
		if v.B {
			b = 1
		}
		return []byte{byte(KindBool), b}
	case KindInt, KindDate, KindDateTime:
		binary.BigEndian.PutUint64(scratch[:8], uint64(v.I)^(1<<63))
		return append([]byte{byte(v.Kind)}, scratch[:8]...)
	case KindFloat:
		bits := math.Float64bits(v.F)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		binary.BigEndian.PutUint64(scratch[:8], bits)
		return append([]byte{byte(KindFloat)}, scratch[:8]...)
	case KindString:
		return append([]byte{byte(KindString)}, v.S...)
	case KindBytes:
		return append([]byte{byte(KindBytes)}, v.Bytes...)
	default:
		return []byte{0xFF}
	}
}

package graph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/orneryd/runestone/pkg/btree"
	"github.com/orneryd/runestone/pkg/mvcc"
	"github.com/orneryd/runestone/pkg/vstore"
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txAborted
)

// Tx is one write transaction. Exactly one Tx is active at a time; the
// handle is not safe for concurrent use. Every mutation stays invisible
// to readers until Commit returns, both because staged pages are only
// published by the pager's commit and because row headers carry the
// pending flag until the final flip.
//
// Index and adjacency entries are buffered in the deferred write set and
// flushed sorted at commit, which turns the scattered index updates of a
// large transaction into sequential B+ tree inserts. The flush rides in
// the same WAL group as the primary rows, so a crash can never separate
// a row from its index entries.
type Tx struct {
	g        *Graph
	commitID uint64
	state    txState

	defAdjFwd []btree.Entry
	defAdjRev []btree.Entry
	defLabels []btree.Entry
	defProps  []btree.Entry

	pendingNodes []uint64
	pendingEdges []uint64
}

func newTx(g *Graph) *Tx {
	return &Tx{g: g, commitID: g.commits.Reserve()}
}

// CommitID returns the id reserved for this transaction.
func (tx *Tx) CommitID() uint64 { return tx.commitID }

func (tx *Tx) check() error {
	if tx.state != txActive {
		return ErrTxDone
	}
	return nil
}

// CreateNode writes a new node and stages its label and property index
// entries. The returned id is assigned from the persistent counter.
func (tx *Tx) CreateNode(labels []string, props Props) (uint64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}

	labelIDs := make([]uint32, len(labels))
	for i, name := range labels {
		id, err := tx.g.labels.Intern(name)
		if err != nil {
			return 0, err
		}
		labelIDs[i] = id
	}

	id := tx.g.pg.NextNodeID()
	row := &nodeRow{
		header: mvcc.Header{Begin: tx.commitID, Flags: mvcc.FlagPending},
		labels: labelIDs,
	}
	if err := tx.attachProps(&row.header, &row.props, &row.ref, props); err != nil {
		return 0, err
	}
	if err := tx.g.nodes.Put(nodeKey(id), encodeNodeRow(row)); err != nil {
		return 0, err
	}
	tx.pendingNodes = append(tx.pendingNodes, id)

	for _, labelID := range labelIDs {
		if err := tx.stageLabel(labelIdxKey(labelID, id)); err != nil {
			return 0, err
		}
	}
	if err := tx.stagePropEntries(id, props); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateEdge writes a new edge between existing nodes and stages both
// adjacency directions. A missing endpoint fails the call before any
// state is touched.
func (tx *Tx) CreateEdge(src, dst uint64, typeName string, props Props) (uint64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	for _, endpoint := range []uint64{src, dst} {
		ok, err := tx.nodeAlive(endpoint)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: endpoint %d", ErrNodeNotFound, endpoint)
		}
	}

	typeID, err := tx.g.types.Intern(typeName)
	if err != nil {
		return 0, err
	}

	id := tx.g.pg.NextEdgeID()
	row := &edgeRow{
		header: mvcc.Header{Begin: tx.commitID, Flags: mvcc.FlagPending},
		src:    src,
		dst:    dst,
		typeID: typeID,
	}
	if err := tx.attachProps(&row.header, &row.props, &row.ref, props); err != nil {
		return 0, err
	}
	if err := tx.g.edges.Put(edgeKey(id), encodeEdgeRow(row)); err != nil {
		return 0, err
	}
	tx.pendingEdges = append(tx.pendingEdges, id)

	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, tx.commitID)
	if err := tx.stageAdj(&tx.defAdjFwd, tx.g.adjFwd, fwdAdjKey(src, typeID, dst, id), val); err != nil {
		return 0, err
	}
	if err := tx.stageAdj(&tx.defAdjRev, tx.g.adjRev, revAdjKey(src, typeID, dst, id), val); err != nil {
		return 0, err
	}
	return id, nil
}

// SetNodeProps replaces a node's property bag, rewriting its property
// index entries. Labels are untouched.
func (tx *Tx) SetNodeProps(id uint64, props Props) error {
	if err := tx.check(); err != nil {
		return err
	}
	raw, found, err := tx.g.nodes.Get(nodeKey(id))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	row, err := decodeNodeRow(raw)
	if err != nil {
		return err
	}
	if row.header.IsTombstone() {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	oldProps, err := loadProps(tx.g.vs, row.header, row.props, row.ref)
	if err != nil {
		return err
	}
	if err := tx.dropPropEntries(id, oldProps); err != nil {
		return err
	}
	if row.header.IsExternal() {
		if err := tx.g.vs.Free(row.ref); err != nil {
			return err
		}
	}

	fresh := &nodeRow{
		header: mvcc.Header{Begin: tx.commitID, Flags: mvcc.FlagPending},
		labels: row.labels,
	}
	if err := tx.attachProps(&fresh.header, &fresh.props, &fresh.ref, props); err != nil {
		return err
	}
	if err := tx.g.nodes.Put(nodeKey(id), encodeNodeRow(fresh)); err != nil {
		return err
	}
	tx.pendingNodes = append(tx.pendingNodes, id)
	return tx.stagePropEntries(id, props)
}

// DeleteEdge tombstones the edge and removes both adjacency entries.
func (tx *Tx) DeleteEdge(id uint64) error {
	if err := tx.check(); err != nil {
		return err
	}
	raw, found, err := tx.g.edges.Get(edgeKey(id))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrEdgeNotFound, id)
	}
	row, err := decodeEdgeRow(raw)
	if err != nil {
		return err
	}
	if row.header.IsTombstone() {
		return fmt.Errorf("%w: %d", ErrEdgeNotFound, id)
	}

	fwd := fwdAdjKey(row.src, row.typeID, row.dst, id)
	rev := revAdjKey(row.src, row.typeID, row.dst, id)
	tx.unstage(&tx.defAdjFwd, fwd)
	tx.unstage(&tx.defAdjRev, rev)
	if _, err := tx.g.adjFwd.Delete(fwd); err != nil {
		return err
	}
	if _, err := tx.g.adjRev.Delete(rev); err != nil {
		return err
	}
	if row.header.IsExternal() {
		if err := tx.g.vs.Free(row.ref); err != nil {
			return err
		}
	}

	dead := &edgeRow{
		header: mvcc.Header{
			Begin: row.header.Begin,
			End:   tx.commitID,
			Flags: mvcc.FlagPending | mvcc.FlagTombstone,
		},
		src:    row.src,
		dst:    row.dst,
		typeID: row.typeID,
	}
	if row.header.IsPending() {
		// Edge was created inside this same transaction.
		dead.header.Begin = tx.commitID
	}
	if err := tx.g.edges.Put(edgeKey(id), encodeEdgeRow(dead)); err != nil {
		return err
	}
	tx.pendingEdges = append(tx.pendingEdges, id)
	return nil
}

// DeleteNode tombstones the node and removes its index entries. The
// node must have no remaining edges in either direction.
func (tx *Tx) DeleteNode(id uint64) error {
	if err := tx.check(); err != nil {
		return err
	}
	raw, found, err := tx.g.nodes.Get(nodeKey(id))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	row, err := decodeNodeRow(raw)
	if err != nil {
		return err
	}
	if row.header.IsTombstone() {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	attached, err := tx.hasEdges(id)
	if err != nil {
		return err
	}
	if attached {
		return fmt.Errorf("%w: %d", ErrNodeHasEdges, id)
	}

	oldProps, err := loadProps(tx.g.vs, row.header, row.props, row.ref)
	if err != nil {
		return err
	}
	if err := tx.dropPropEntries(id, oldProps); err != nil {
		return err
	}
	for _, labelID := range row.labels {
		key := labelIdxKey(labelID, id)
		tx.unstage(&tx.defLabels, key)
		if _, err := tx.g.labelIdx.Delete(key); err != nil {
			return err
		}
	}
	if row.header.IsExternal() {
		if err := tx.g.vs.Free(row.ref); err != nil {
			return err
		}
	}

	dead := &nodeRow{
		header: mvcc.Header{
			Begin: row.header.Begin,
			End:   tx.commitID,
			Flags: mvcc.FlagPending | mvcc.FlagTombstone,
		},
		labels: row.labels,
	}
	if row.header.IsPending() {
		dead.header.Begin = tx.commitID
	}
	if err := tx.g.nodes.Put(nodeKey(id), encodeNodeRow(dead)); err != nil {
		return err
	}
	tx.pendingNodes = append(tx.pendingNodes, id)
	return nil
}

// Commit flushes the deferred write set, finalizes every pending row
// header and hands the whole batch to the pager as one atomic group.
func (tx *Tx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}

	if err := tx.flushDeferred(); err != nil {
		tx.abortOnError()
		return err
	}
	if err := tx.finalizePending(); err != nil {
		tx.abortOnError()
		return err
	}
	if err := tx.g.pg.Commit(tx.commitID); err != nil {
		tx.abortOnError()
		return err
	}

	tx.g.commits.MarkCommitted(tx.commitID)
	tx.state = txCommitted
	<-tx.g.writer
	return nil
}

// Abort discards every staged change, including value-store chains and
// id counter bumps, and releases the writer gate.
func (tx *Tx) Abort() {
	if tx.state != txActive {
		return
	}
	tx.abortOnError()
}

func (tx *Tx) abortOnError() {
	tx.g.pg.Rollback()
	tx.g.invalidateTreeCaches()
	tx.g.commits.Release(tx.commitID)
	tx.state = txAborted
	<-tx.g.writer
}

func (g *Graph) invalidateTreeCaches() {
	for _, t := range []*btree.Tree{g.nodes, g.edges, g.adjFwd, g.adjRev, g.labelIdx, g.propIdx} {
		t.InvalidateCache()
	}
	g.labels.InvalidateCache()
	g.types.InvalidateCache()
	g.propNames.InvalidateCache()
}

// flushDeferred drains the four buffers in a fixed order, each sorted so
// PutMany walks leaves sequentially.
func (tx *Tx) flushDeferred() error {
	for _, batch := range []struct {
		entries *[]btree.Entry
		tree    *btree.Tree
	}{
		{&tx.defAdjFwd, tx.g.adjFwd},
		{&tx.defAdjRev, tx.g.adjRev},
		{&tx.defLabels, tx.g.labelIdx},
		{&tx.defProps, tx.g.propIdx},
	} {
		entries := *batch.entries
		if len(entries) == 0 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].Key, entries[j].Key) < 0
		})
		if err := batch.tree.PutMany(entries); err != nil {
			return err
		}
		*batch.entries = nil
	}
	return nil
}

// finalizePending flips every row this transaction wrote from pending
// to committed. Only the fixed-width header prefix changes.
func (tx *Tx) finalizePending() error {
	for _, id := range tx.pendingNodes {
		if err := tx.finalizeRow(tx.g.nodes, nodeKey(id)); err != nil {
			return err
		}
	}
	for _, id := range tx.pendingEdges {
		if err := tx.finalizeRow(tx.g.edges, edgeKey(id)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) finalizeRow(tree *btree.Tree, key []byte) error {
	raw, found, err := tree.Get(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("graph: pending row vanished before finalize: %w", ErrBadRow)
	}
	h, err := mvcc.DecodeHeader(raw)
	if err != nil {
		return err
	}
	if !h.IsPending() {
		// Touched twice in one transaction; already flipped.
		return nil
	}
	if err := mvcc.FinalizeHead(raw, tx.commitID); err != nil {
		return err
	}
	return tree.Put(key, raw)
}

// attachProps encodes the bag into the row, spilling to the value store
// past the threshold.
func (tx *Tx) attachProps(h *mvcc.Header, inline *[]byte, ref *vstore.VRef, props Props) error {
	encoded := EncodeProps(props)
	if len(encoded) <= tx.g.opts.SpillThreshold {
		*inline = encoded
		return nil
	}
	r, err := tx.g.vs.Write(encoded)
	if err != nil {
		return err
	}
	h.Flags |= mvcc.FlagExternal
	*ref = r
	return nil
}

func (tx *Tx) stageLabel(key []byte) error {
	if tx.g.opts.NoDefer {
		return tx.g.labelIdx.Put(key, nil)
	}
	tx.defLabels = append(tx.defLabels, btree.Entry{Key: key})
	return nil
}

func (tx *Tx) stageAdj(buf *[]btree.Entry, tree *btree.Tree, key, val []byte) error {
	if tx.g.opts.NoDefer {
		return tree.Put(key, val)
	}
	*buf = append(*buf, btree.Entry{Key: key, Value: val})
	return nil
}

func (tx *Tx) stagePropEntries(id uint64, props Props) error {
	for name, v := range props {
		propID, err := tx.g.propNames.Intern(name)
		if err != nil {
			return err
		}
		key := propIdxKey(propID, v, id)
		if tx.g.opts.NoDefer {
			if err := tx.g.propIdx.Put(key, nil); err != nil {
				return err
			}
			continue
		}
		tx.defProps = append(tx.defProps, btree.Entry{Key: key})
	}
	return nil
}

func (tx *Tx) dropPropEntries(id uint64, props Props) error {
	for name, v := range props {
		propID, found, err := tx.g.propNames.Lookup(name)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		key := propIdxKey(propID, v, id)
		tx.unstage(&tx.defProps, key)
		if _, err := tx.g.propIdx.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// unstage drops a not-yet-flushed deferred entry. Needed when something
// created and removed inside the same transaction must leave no trace.
func (tx *Tx) unstage(buf *[]btree.Entry, key []byte) {
	entries := *buf
	for i := range entries {
		if bytes.Equal(entries[i].Key, key) {
			*buf = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// nodeAlive reports whether the node exists from this transaction's
// point of view: committed rows and this transaction's own pending rows
// both count, tombstones do not.
func (tx *Tx) nodeAlive(id uint64) (bool, error) {
	raw, found, err := tx.g.nodes.Get(nodeKey(id))
	if err != nil || !found {
		return false, err
	}
	h, err := mvcc.DecodeHeader(raw)
	if err != nil {
		return false, err
	}
	return !h.IsTombstone(), nil
}

// hasEdges checks both adjacency trees and the deferred buffers for any
// entry touching the node.
func (tx *Tx) hasEdges(id uint64) (bool, error) {
	for _, tree := range []*btree.Tree{tx.g.adjFwd, tx.g.adjRev} {
		cur, err := tree.ScanPrefix(adjNodePrefix(id))
		if err != nil {
			return false, err
		}
		if cur.Next() {
			return true, nil
		}
		if err := cur.Err(); err != nil {
			return false, err
		}
	}
	for _, entries := range [][]btree.Entry{tx.defAdjFwd, tx.defAdjRev} {
		for i := range entries {
			key := entries[i].Key
			if beUint64(key[0:8]) == id || beUint64(key[12:20]) == id {
				return true, nil
			}
		}
	}
	return false, nil
}

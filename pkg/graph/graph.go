package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/runestone/pkg/btree"
	"github.com/orneryd/runestone/pkg/catalog"
	"github.com/orneryd/runestone/pkg/mvcc"
	"github.com/orneryd/runestone/pkg/pager"
	"github.com/orneryd/runestone/pkg/vstore"
)

// Graph errors.
var (
	ErrTxDone       = errors.New("graph: transaction already finished")
	ErrWriterBusy   = errors.New("graph: another write transaction is active")
	ErrNodeNotFound = errors.New("graph: node not found")
	ErrEdgeNotFound = errors.New("graph: edge not found")
	ErrNodeHasEdges = errors.New("graph: node still has edges")
)

// Options tunes the engine.
type Options struct {
	// SpillThreshold is the encoded property size above which the bag
	// moves to the value store. Zero picks DefaultSpillThreshold.
	SpillThreshold int
	// NoDefer disables commit-time batching of index and adjacency
	// writes; every entry goes to its tree immediately. The resulting
	// trees are byte-identical either way, this only trades commit
	// latency for write-path latency.
	NoDefer bool
	// FailFast makes Begin return ErrWriterBusy instead of waiting for
	// the current writer.
	FailFast bool
}

func (o Options) withDefaults() Options {
	if o.SpillThreshold == 0 {
		o.SpillThreshold = DefaultSpillThreshold
	}
	return o
}

// Direction selects which adjacency tree a traversal walks.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Node is one materialized node.
type Node struct {
	ID     uint64
	Labels []string
	Props  Props
}

// Edge is one materialized edge.
type Edge struct {
	ID    uint64
	Src   uint64
	Dst   uint64
	Type  string
	Props Props
}

// Neighbor is one traversal hit.
type Neighbor struct {
	NodeID uint64
	EdgeID uint64
	Type   string
}

// Graph is the storage engine: six B+ trees, three string catalogs, the
// value store and the commit table over one pager. One write transaction
// runs at a time, admitted through the writer gate; readers are
// snapshot-bounded and never block on the writer.
type Graph struct {
	pg      *pager.Pager
	vs      *vstore.Store
	opts    Options
	commits *mvcc.CommitTable

	nodes    *btree.Tree
	edges    *btree.Tree
	adjFwd   *btree.Tree
	adjRev   *btree.Tree
	labelIdx *btree.Tree
	propIdx  *btree.Tree

	// Committed-state views for readers. The writer mutates pages in
	// place through the trees above; readers go through these so an
	// uncommitted delete or rewrite of a committed row never shows.
	snapNodes    *btree.Tree
	snapEdges    *btree.Tree
	snapAdjFwd   *btree.Tree
	snapAdjRev   *btree.Tree
	snapLabelIdx *btree.Tree
	snapPropIdx  *btree.Tree
	snapVs       *vstore.Store

	labels    *catalog.Catalog
	types     *catalog.Catalog
	propNames *catalog.Catalog

	// Buffered channel of size one. Holding the token is holding the
	// write lock.
	writer chan struct{}
}

// Open assembles the engine over an already-open pager. A fresh file
// gets its trees bootstrapped and committed before Open returns.
func Open(pg *pager.Pager, opts Options) (*Graph, error) {
	g := &Graph{
		pg:      pg,
		vs:      vstore.New(pg),
		opts:    opts.withDefaults(),
		commits: mvcc.NewCommitTable(pg.LastCommitID()),
		writer:  make(chan struct{}, 1),
	}

	var err error
	for _, t := range []struct {
		name string
		dst  **btree.Tree
	}{
		{treeNodes, &g.nodes},
		{treeEdges, &g.edges},
		{treeAdjFwd, &g.adjFwd},
		{treeAdjRev, &g.adjRev},
		{treeLabelIdx, &g.labelIdx},
		{treePropIdx, &g.propIdx},
	} {
		if *t.dst, err = btree.Open(pg, t.name); err != nil {
			return nil, err
		}
	}
	if g.labels, err = catalog.Open(pg, catLabels); err != nil {
		return nil, err
	}
	if g.types, err = catalog.Open(pg, catTypes); err != nil {
		return nil, err
	}
	if g.propNames, err = catalog.Open(pg, catProps); err != nil {
		return nil, err
	}

	// First open of a new file stages the empty tree roots; make them
	// durable so the file is well-formed even if nothing else commits.
	if pg.DirtyCount() > 0 {
		id := g.commits.Reserve()
		if err := pg.Commit(id); err != nil {
			g.commits.Release(id)
			return nil, err
		}
		g.commits.MarkCommitted(id)
	}

	g.snapNodes = g.nodes.Snapshot()
	g.snapEdges = g.edges.Snapshot()
	g.snapAdjFwd = g.adjFwd.Snapshot()
	g.snapAdjRev = g.adjRev.Snapshot()
	g.snapLabelIdx = g.labelIdx.Snapshot()
	g.snapPropIdx = g.propIdx.Snapshot()
	g.snapVs = g.vs.Snapshot()
	return g, nil
}

// Snapshot returns the current read horizon: the newest commit id whose
// effects a read sees.
func (g *Graph) Snapshot() uint64 { return g.commits.Snapshot() }

// GetNode returns the node visible at the current snapshot.
func (g *Graph) GetNode(id uint64) (*Node, error) {
	return g.getNodeAt(id, g.Snapshot())
}

func (g *Graph) getNodeAt(id, snap uint64) (*Node, error) {
	raw, found, err := g.snapNodes.Get(nodeKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	row, err := decodeNodeRow(raw)
	if err != nil {
		return nil, err
	}
	if !row.header.VisibleAt(snap) || row.header.IsTombstone() {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	props, err := loadProps(g.snapVs, row.header, row.props, row.ref)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(row.labels))
	for i, lid := range row.labels {
		if labels[i], err = g.labels.Name(lid); err != nil {
			return nil, err
		}
	}
	return &Node{ID: id, Labels: labels, Props: props}, nil
}

// GetEdge returns the edge visible at the current snapshot.
func (g *Graph) GetEdge(id uint64) (*Edge, error) {
	return g.getEdgeAt(id, g.Snapshot())
}

func (g *Graph) getEdgeAt(id, snap uint64) (*Edge, error) {
	raw, found, err := g.snapEdges.Get(edgeKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrEdgeNotFound, id)
	}
	row, err := decodeEdgeRow(raw)
	if err != nil {
		return nil, err
	}
	if !row.header.VisibleAt(snap) || row.header.IsTombstone() {
		return nil, fmt.Errorf("%w: %d", ErrEdgeNotFound, id)
	}
	props, err := loadProps(g.snapVs, row.header, row.props, row.ref)
	if err != nil {
		return nil, err
	}
	typeName, err := g.types.Name(row.typeID)
	if err != nil {
		return nil, err
	}
	return &Edge{ID: id, Src: row.src, Dst: row.dst, Type: typeName, Props: props}, nil
}

// NodesByLabel lists ids of every visible node carrying the label, in
// id order. An unknown label is an empty result, not an error.
func (g *Graph) NodesByLabel(label string) ([]uint64, error) {
	labelID, found, err := g.labels.Lookup(label)
	if err != nil || !found {
		return nil, err
	}
	prefix := labelIdxPrefix(labelID)
	cur, err := g.snapLabelIdx.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return g.collectIndexedNodes(cur, len(prefix)+8)
}

// NodesByProp lists ids of every visible node whose property equals the
// value, in id order.
func (g *Graph) NodesByProp(name string, v Value) ([]uint64, error) {
	propID, found, err := g.propNames.Lookup(name)
	if err != nil || !found {
		return nil, err
	}
	prefix := propIdxPrefix(propID, v)
	cur, err := g.snapPropIdx.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return g.collectIndexedNodes(cur, len(prefix)+8)
}

// collectIndexedNodes drains an index cursor whose keys end in the node
// id, dropping entries whose node is no longer visible. Only keys of
// exactly wantLen bytes are equality hits: a longer key shares the
// prefix but encodes an extension of the queried value, the way "abc"
// extends "ab" in the variable-width string encoding.
func (g *Graph) collectIndexedNodes(cur *btree.Cursor, wantLen int) ([]uint64, error) {
	snap := g.Snapshot()
	var out []uint64
	for cur.Next() {
		key := cur.Key()
		if len(key) != wantLen {
			continue
		}
		id := beUint64(key[len(key)-8:])
		if _, err := g.getNodeAt(id, snap); err != nil {
			if errors.Is(err, ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, id)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Neighbors traverses the adjacency of node in the given direction,
// optionally restricted to one edge type (empty means all types).
// Entries from commits newer than the snapshot are skipped.
func (g *Graph) Neighbors(node uint64, dir Direction, typeName string) ([]Neighbor, error) {
	tree := g.snapAdjFwd
	if dir == Incoming {
		tree = g.snapAdjRev
	}

	prefix := adjNodePrefix(node)
	if typeName != "" {
		typeID, found, err := g.types.Lookup(typeName)
		if err != nil || !found {
			return nil, err
		}
		prefix = adjTypePrefix(node, typeID)
	}

	cur, err := tree.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	snap := g.Snapshot()
	var out []Neighbor
	for cur.Next() {
		if beUint64(cur.Value()) > snap {
			continue
		}
		_, typeID, neighbor, edge := decodeAdjKey(cur.Key())
		name, err := g.types.Name(typeID)
		if err != nil {
			return nil, err
		}
		out = append(out, Neighbor{NodeID: neighbor, EdgeID: edge, Type: name})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Nodes calls fn for every node visible at the current snapshot, in id
// order. Returning an error from fn stops the walk.
func (g *Graph) Nodes(fn func(*Node) error) error {
	snap := g.Snapshot()
	cur, err := g.snapNodes.Scan(nil, nil)
	if err != nil {
		return err
	}
	for cur.Next() {
		id := beUint64(cur.Key())
		node, err := g.getNodeAt(id, snap)
		if err != nil {
			if errors.Is(err, ErrNodeNotFound) {
				continue
			}
			return err
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	return cur.Err()
}

// Edges calls fn for every edge visible at the current snapshot, in id
// order.
func (g *Graph) Edges(fn func(*Edge) error) error {
	snap := g.Snapshot()
	cur, err := g.snapEdges.Scan(nil, nil)
	if err != nil {
		return err
	}
	for cur.Next() {
		id := beUint64(cur.Key())
		edge, err := g.getEdgeAt(id, snap)
		if err != nil {
			if errors.Is(err, ErrEdgeNotFound) {
				continue
			}
			return err
		}
		if err := fn(edge); err != nil {
			return err
		}
	}
	return cur.Err()
}

// Degree counts adjacency entries of node in one direction.
func (g *Graph) Degree(node uint64, dir Direction) (int, error) {
	hits, err := g.Neighbors(node, dir, "")
	if err != nil {
		return 0, err
	}
	return len(hits), nil
}

// Begin admits a write transaction. With a writer already active it
// blocks until the writer finishes or ctx is done, unless the engine is
// configured fail-fast.
func (g *Graph) Begin(ctx context.Context) (*Tx, error) {
	if g.opts.FailFast {
		select {
		case g.writer <- struct{}{}:
		default:
			return nil, ErrWriterBusy
		}
	} else {
		select {
		case g.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return newTx(g), nil
}

// Pager exposes the underlying pager for checkpointing and stats.
func (g *Graph) Pager() *pager.Pager { return g.pg }

func (g *Graph) treeByName(name string) *btree.Tree {
	switch name {
	case treeNodes:
		return g.nodes
	case treeEdges:
		return g.edges
	case treeAdjFwd:
		return g.adjFwd
	case treeAdjRev:
		return g.adjRev
	case treeLabelIdx:
		return g.labelIdx
	case treePropIdx:
		return g.propIdx
	default:
		return nil
	}
}

package graph

import (
	"context"
	"fmt"

	"github.com/orneryd/runestone/pkg/btree"
	"github.com/orneryd/runestone/pkg/mvcc"
)

// CheckReport summarizes a consistency walk.
type CheckReport struct {
	Nodes      uint64
	Edges      uint64
	Tombstones uint64
	AdjEntries uint64
	Problems   []string
}

// Ok reports whether the walk found no inconsistencies.
func (r *CheckReport) Ok() bool { return len(r.Problems) == 0 }

func (r *CheckReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check walks every tree and verifies structural invariants: rows
// decode, spilled payload checksums match, each live edge has both
// adjacency entries and each adjacency entry points at a live edge.
// Page-level corruption surfaces as an error; semantic problems are
// collected in the report.
func (g *Graph) Check() (*CheckReport, error) {
	report := &CheckReport{}

	cur, err := g.snapNodes.Scan(nil, nil)
	if err != nil {
		return nil, err
	}
	for cur.Next() {
		row, err := decodeNodeRow(cur.Value())
		if err != nil {
			report.problem("node %d: %v", beUint64(cur.Key()), err)
			continue
		}
		report.Nodes++
		if row.header.IsTombstone() {
			report.Tombstones++
			continue
		}
		if _, err := loadProps(g.snapVs, row.header, row.props, row.ref); err != nil {
			report.problem("node %d: props: %v", beUint64(cur.Key()), err)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	cur, err = g.snapEdges.Scan(nil, nil)
	if err != nil {
		return nil, err
	}
	for cur.Next() {
		id := beUint64(cur.Key())
		row, err := decodeEdgeRow(cur.Value())
		if err != nil {
			report.problem("edge %d: %v", id, err)
			continue
		}
		report.Edges++
		if row.header.IsTombstone() {
			report.Tombstones++
			continue
		}
		if _, err := loadProps(g.snapVs, row.header, row.props, row.ref); err != nil {
			report.problem("edge %d: props: %v", id, err)
		}
		if _, found, err := g.snapAdjFwd.Get(fwdAdjKey(row.src, row.typeID, row.dst, id)); err != nil {
			return nil, err
		} else if !found {
			report.problem("edge %d: missing forward adjacency entry", id)
		}
		if _, found, err := g.snapAdjRev.Get(revAdjKey(row.src, row.typeID, row.dst, id)); err != nil {
			return nil, err
		} else if !found {
			report.problem("edge %d: missing reverse adjacency entry", id)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	cur, err = g.snapAdjFwd.Scan(nil, nil)
	if err != nil {
		return nil, err
	}
	for cur.Next() {
		report.AdjEntries++
		_, _, _, edge := decodeAdjKey(cur.Key())
		raw, found, err := g.snapEdges.Get(edgeKey(edge))
		if err != nil {
			return nil, err
		}
		if !found {
			report.problem("adjacency entry for unknown edge %d", edge)
			continue
		}
		h, err := mvcc.DecodeHeader(raw)
		if err != nil {
			return nil, err
		}
		if h.IsTombstone() {
			report.problem("adjacency entry for deleted edge %d", edge)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

// Vacuum removes tombstone rows whose end commit is at or below the
// current snapshot and commits the cleanup as its own transaction. It
// returns the number of rows reclaimed. Spilled payload chains were
// already freed when the rows were deleted.
func (g *Graph) Vacuum(ctx context.Context) (int, error) {
	tx, err := g.Begin(ctx)
	if err != nil {
		return 0, err
	}

	horizon := g.Snapshot()
	removed := 0
	for _, pair := range []struct {
		scan *btree.Tree
		mut  *btree.Tree
	}{
		{g.snapNodes, g.nodes},
		{g.snapEdges, g.edges},
	} {
		keys, err := tombstoneKeys(pair.scan, horizon)
		if err != nil {
			tx.Abort()
			return 0, err
		}
		for _, key := range keys {
			if _, err := pair.mut.Delete(key); err != nil {
				tx.Abort()
				return 0, err
			}
			removed++
		}
	}

	if removed == 0 {
		tx.Abort()
		return 0, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

// tombstoneKeys collects keys of tombstone rows already behind the
// snapshot horizon. Collected first, deleted after, so the cursor never
// walks a tree being mutated under it.
func tombstoneKeys(tree *btree.Tree, horizon uint64) ([][]byte, error) {
	cur, err := tree.Scan(nil, nil)
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	for cur.Next() {
		h, err := mvcc.DecodeHeader(cur.Value())
		if err != nil {
			return nil, err
		}
		if h.IsTombstone() && !h.IsPending() && h.End <= horizon {
			keys = append(keys, append([]byte(nil), cur.Key()...))
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

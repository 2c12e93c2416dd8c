// Package runestone bundles the storage stack behind one handle: an
// embedded, durable property graph over a single file pair (page file
// plus WAL).
package runestone

import (
	"context"
	"fmt"

	"github.com/orneryd/runestone/pkg/config"
	"github.com/orneryd/runestone/pkg/graph"
	"github.com/orneryd/runestone/pkg/pager"
)

// DB is one open database.
type DB struct {
	cfg *config.Config
	pg  *pager.Pager
	g   *graph.Graph
}

// Open opens (or creates) the database at path. An empty path uses the
// configured one; a nil cfg uses defaults.
func Open(path string, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if path == "" {
		path = cfg.Storage.Path
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pg, err := pager.Open(path, pager.Options{
		PageSize:   cfg.Storage.PageSize,
		NoSync:     cfg.Storage.NoSync,
		CacheBytes: cfg.Storage.CacheBytes,
	})
	if err != nil {
		return nil, err
	}
	g, err := graph.Open(pg, graph.Options{
		SpillThreshold: cfg.Storage.SpillThreshold,
		NoDefer:        cfg.Txn.NoDefer,
		FailFast:       cfg.Txn.FailFast,
	})
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("runestone: open graph: %w", err)
	}
	return &DB{cfg: cfg, pg: pg, g: g}, nil
}

// Graph returns the graph engine.
func (db *DB) Graph() *graph.Graph { return db.g }

// Begin starts a write transaction.
func (db *DB) Begin(ctx context.Context) (*graph.Tx, error) {
	return db.g.Begin(ctx)
}

// Checkpoint fsyncs the page file and truncates the WAL.
func (db *DB) Checkpoint() error { return db.pg.Checkpoint() }

// Stats returns pager counters.
func (db *DB) Stats() pager.Stats { return db.pg.Stats() }

// Close releases the file handles. Committed state is durable already;
// Close never loses data.
func (db *DB) Close() error { return db.pg.Close() }

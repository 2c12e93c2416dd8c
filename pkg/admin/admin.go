// Package admin implements the operational surface: human-readable
// stats, consistency verification and CSV import/export. Everything
// here goes through the public engine API; the CLI is a thin wrapper
// around this package.
package admin

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/orneryd/runestone/pkg/graph"
	"github.com/orneryd/runestone/pkg/pager"
)

// FormatStats renders pager counters for terminal output.
func FormatStats(s pager.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "page size:     %s\n", humanize.IBytes(uint64(s.PageSize)))
	fmt.Fprintf(&b, "pages:         %s (%s)\n",
		humanize.Comma(int64(s.PageCount)),
		humanize.IBytes(s.PageCount*uint64(s.PageSize)))
	fmt.Fprintf(&b, "free pages:    %s\n", humanize.Comma(int64(s.FreePages)))
	fmt.Fprintf(&b, "wal size:      %s\n", humanize.IBytes(uint64(s.WALBytes)))
	fmt.Fprintf(&b, "commits:       %s\n", humanize.Comma(int64(s.Commits)))
	fmt.Fprintf(&b, "checkpoints:   %s\n", humanize.Comma(int64(s.Checkpoints)))
	fmt.Fprintf(&b, "cache hits:    %s\n", humanize.Comma(int64(s.CacheHits)))
	fmt.Fprintf(&b, "cache misses:  %s\n", humanize.Comma(int64(s.CacheMisses)))
	return b.String()
}

// FormatCheck renders a consistency report.
func FormatCheck(r *graph.CheckReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "nodes:       %s\n", humanize.Comma(int64(r.Nodes)))
	fmt.Fprintf(&b, "edges:       %s\n", humanize.Comma(int64(r.Edges)))
	fmt.Fprintf(&b, "tombstones:  %s\n", humanize.Comma(int64(r.Tombstones)))
	fmt.Fprintf(&b, "adjacency:   %s\n", humanize.Comma(int64(r.AdjEntries)))
	if r.Ok() {
		b.WriteString("status:      ok\n")
		return b.String()
	}
	fmt.Fprintf(&b, "status:      %d problem(s)\n", len(r.Problems))
	for _, p := range r.Problems {
		fmt.Fprintf(&b, "  - %s\n", p)
	}
	return b.String()
}

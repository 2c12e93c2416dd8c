// Package pager owns the page file and its write-ahead log.
//
// All storage in Runestone lives in fixed-size pages. The pager hands out
// pages, tracks which ones a transaction dirtied, and turns a commit into
// one atomic WAL group: every dirty page image, then the rewritten header
// page, then a commit frame, then a single fsync. Readers never see a
// half-applied commit because the page file is only touched after the
// group is durable, and recovery replays only closed groups.
//
// The header page (page 0) carries the id counters and the root page id
// of every B+ tree, so a successful commit atomically publishes new tree
// roots together with the pages they point at.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultPageSize is used when Options.PageSize is zero.
const DefaultPageSize = 4096

// PageID addresses one fixed-size page in the page file. Page 0 is the
// header page; 0 therefore doubles as the null page pointer everywhere
// page ids are stored on disk.
type PageID uint64

// Pager errors.
var (
	ErrClosed       = errors.New("pager: closed")
	ErrCorruption   = errors.New("pager: corruption detected")
	ErrAllocation   = errors.New("pager: page allocation failed")
	ErrPageBounds   = errors.New("pager: page id out of bounds")
	ErrCommitFailed = errors.New("pager: previous commit failed, reopen required")
)

// Options configures a Pager.
type Options struct {
	// PageSize in bytes. Must not change for the lifetime of a file.
	PageSize int
	// NoSync disables fsync. Only for tests and throwaway databases.
	NoSync bool
	// CacheBytes bounds the clean-page read cache. Zero picks a default
	// of 32 MiB.
	CacheBytes int64
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.CacheBytes == 0 {
		o.CacheBytes = 32 << 20
	}
	return o
}

// Stats is a snapshot of pager counters.
type Stats struct {
	PageSize    int
	PageCount   uint64
	FreePages   uint64
	Commits     uint64
	Checkpoints uint64
	WALBytes    int64
	CacheHits   uint64
	CacheMisses uint64
}

// Pager mediates every page read and write. It is safe for concurrent
// readers; writes are expected to come from the single writer that holds
// the graph's transaction gate.
type Pager struct {
	mu   sync.RWMutex
	file *os.File
	wal  *WAL
	opts Options

	// meta is the last committed header; working accumulates the
	// in-flight transaction's counter and root updates.
	meta    Meta
	working Meta

	dirty      map[PageID][]byte
	dirtyOrder []PageID

	cache *ristretto.Cache[uint64, []byte]

	closed bool
	// failed is set when a commit leaves the WAL in a state that does
	// not match memory; every later commit is refused until reopen.
	failed      bool
	commits     uint64
	checkpoints uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// Open opens (or creates) a page file at path and recovers any closed WAL
// groups left behind by a crash.
func Open(path string, opts Options) (*Pager, error) {
	opts = opts.withDefaults()

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pager: open %s: %w", path, err)
	}
	wal, err := openWAL(path+".wal", opts.PageSize, !opts.NoSync)
	if err != nil {
		file.Close()
		return nil, err
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: opts.CacheBytes / int64(opts.PageSize) * 10,
		MaxCost:     opts.CacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		file.Close()
		wal.Close()
		return nil, fmt.Errorf("pager: cache init: %w", err)
	}

	p := &Pager{
		file:  file,
		wal:   wal,
		opts:  opts,
		dirty: make(map[PageID][]byte),
		cache: cache,
	}

	// Crash recovery: merge every closed commit group back into the
	// page file before reading the header.
	if _, err := wal.Replay(p.applyRecovered); err != nil {
		p.closeFiles()
		return nil, err
	}

	if err := p.loadMeta(); err != nil {
		p.closeFiles()
		return nil, err
	}
	p.working = p.meta.clone()
	return p, nil
}

func (p *Pager) applyRecovered(id PageID, image []byte) error {
	if _, err := p.file.WriteAt(image, int64(id)*int64(p.opts.PageSize)); err != nil {
		return fmt.Errorf("pager: recovery write page %d: %w", id, err)
	}
	return nil
}

func (p *Pager) loadMeta() error {
	info, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("pager: stat: %w", err)
	}
	if info.Size() == 0 {
		p.meta = newMeta(p.opts.PageSize)
		return nil
	}
	buf := make([]byte, p.opts.PageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("pager: read header page: %w", err)
	}
	meta, err := decodeMeta(buf)
	if err != nil {
		return err
	}
	if meta == nil {
		p.meta = newMeta(p.opts.PageSize)
		return nil
	}
	if int(meta.PageSize) != p.opts.PageSize {
		return fmt.Errorf("pager: file page size %d differs from configured %d: %w",
			meta.PageSize, p.opts.PageSize, ErrCorruption)
	}
	p.meta = *meta
	return nil
}

// PageSize returns the fixed page size of this file.
func (p *Pager) PageSize() int { return p.opts.PageSize }

// AllocPage hands out a fresh page id, reusing the free list first. The
// returned page content is undefined until the caller writes it.
func (p *Pager) AllocPage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.working.FreeHead != 0 {
		id := p.working.FreeHead
		buf, err := p.readLocked(id)
		if err != nil {
			return 0, err
		}
		p.working.FreeHead = PageID(beUint64(buf[0:8]))
		return id, nil
	}
	id := PageID(p.working.PageCount)
	if id == 0 {
		return 0, fmt.Errorf("pager: page count wrapped: %w", ErrAllocation)
	}
	p.working.PageCount++
	return id, nil
}

// FreePage links the page into the free list. The page must not be
// referenced by any tree afterwards.
func (p *Pager) FreePage(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.checkBounds(id); err != nil {
		return err
	}
	buf := make([]byte, p.opts.PageSize)
	putUint64(buf[0:8], uint64(p.working.FreeHead))
	p.writeLocked(id, buf)
	p.working.FreeHead = id
	return nil
}

// Read returns a copy of the page content. Dirty pages win over the page
// file so a transaction reads its own writes.
func (p *Pager) Read(id PageID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.readLocked(id)
}

func (p *Pager) readLocked(id PageID) ([]byte, error) {
	if err := p.checkBounds(id); err != nil {
		return nil, err
	}
	if buf, ok := p.dirty[id]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	return p.readFileLocked(id)
}

// ReadCommitted returns the page as of the last commit, bypassing the
// in-flight transaction's staged writes. Snapshot readers use this so a
// writer's in-place mutations stay invisible until its commit publishes
// them.
func (p *Pager) ReadCommitted(id PageID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	if id == 0 || uint64(id) >= p.meta.PageCount {
		return nil, fmt.Errorf("pager: page %d (committed count %d): %w",
			id, p.meta.PageCount, ErrPageBounds)
	}
	return p.readFileLocked(id)
}

func (p *Pager) readFileLocked(id PageID) ([]byte, error) {
	if buf, ok := p.cache.Get(uint64(id)); ok {
		p.cacheHits.Add(1)
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	p.cacheMisses.Add(1)
	buf := make([]byte, p.opts.PageSize)
	if _, err := p.file.ReadAt(buf, int64(id)*int64(p.opts.PageSize)); err != nil {
		return nil, fmt.Errorf("pager: read page %d: %w", id, err)
	}
	// Committed reads of a dirtied page stay uncached: the commit will
	// overwrite the file image this buffer was read from.
	if _, dirtied := p.dirty[id]; !dirtied {
		cached := make([]byte, len(buf))
		copy(cached, buf)
		p.cache.Set(uint64(id), cached, int64(len(cached)))
	}
	return buf, nil
}

// Write stages a full page image. Durability happens at Commit.
func (p *Pager) Write(id PageID, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.checkBounds(id); err != nil {
		return err
	}
	if len(data) != p.opts.PageSize {
		return fmt.Errorf("pager: write of %d bytes to page %d, page size is %d",
			len(data), id, p.opts.PageSize)
	}
	p.writeLocked(id, data)
	return nil
}

func (p *Pager) writeLocked(id PageID, data []byte) {
	if _, seen := p.dirty[id]; !seen {
		p.dirtyOrder = append(p.dirtyOrder, id)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.dirty[id] = buf
	p.cache.Del(uint64(id))
}

func (p *Pager) checkBounds(id PageID) error {
	if id == 0 || uint64(id) >= p.working.PageCount {
		return fmt.Errorf("pager: page %d (count %d): %w", id, p.working.PageCount, ErrPageBounds)
	}
	return nil
}

// DirtyCount reports how many pages the in-flight transaction has touched.
func (p *Pager) DirtyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.dirty)
}

// Meta returns a copy of the uncommitted working header. Mutations to
// counters and roots go through the setters below and become durable at
// Commit together with the pages that reference them.
func (p *Pager) Meta() Meta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.working.clone()
}

// Root looks up a named tree root.
func (p *Pager) Root(name string) (PageID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.working.Roots[name]
	return id, ok
}

// CommittedRoot looks up a named tree root as of the last commit,
// ignoring staged root updates.
func (p *Pager) CommittedRoot(name string) (PageID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.meta.Roots[name]
	return id, ok
}

// SetRoot stages a tree root update for the next commit.
func (p *Pager) SetRoot(name string, id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.working.Roots[name] = id
}

// NextNodeID allocates a node id from the persistent counter.
func (p *Pager) NextNodeID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.working.NextNodeID
	p.working.NextNodeID++
	return id
}

// NextEdgeID allocates an edge id from the persistent counter.
func (p *Pager) NextEdgeID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.working.NextEdgeID
	p.working.NextEdgeID++
	return id
}

// LastCommitID returns the newest durable commit id.
func (p *Pager) LastCommitID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meta.LastCommitID
}

// Commit drains the dirty set into one WAL group under commitID, fsyncs
// it, then applies the images to the page file and publishes the new
// header. Either every dirtied page of the transaction survives a crash
// or none does.
func (p *Pager) Commit(commitID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.failed {
		return ErrCommitFailed
	}
	if len(p.dirty) == 0 && !p.metaChanged() {
		return nil
	}

	p.working.LastCommitID = commitID

	metaImage := make([]byte, p.opts.PageSize)
	if err := p.working.encode(metaImage); err != nil {
		return err
	}

	// If the group cannot be made durable, rewind the log so recovery
	// never replays it. The caller rolls back in memory; a closed group
	// left behind would resurrect the aborted transaction on reopen.
	mark, err := p.wal.Mark()
	if err != nil {
		return err
	}
	abandon := func(err error) error {
		if rerr := p.wal.Rewind(mark); rerr != nil {
			// The orphaned group is stuck in the log. Refuse further
			// commits so nothing appends after it.
			p.failed = true
		}
		return err
	}

	for _, id := range p.dirtyOrder {
		if err := p.wal.AppendFrame(id, commitID, p.dirty[id]); err != nil {
			return abandon(err)
		}
	}
	if err := p.wal.AppendFrame(0, commitID, metaImage); err != nil {
		return abandon(err)
	}
	if err := p.wal.AppendCommit(commitID); err != nil {
		return abandon(err)
	}
	if err := p.wal.Sync(); err != nil {
		// The fsync failed: the group may or may not be on disk, so it
		// must not stay in the log either way.
		return abandon(err)
	}

	// Durable. Mirror the group into the page file; a torn write here
	// is repaired by replay on the next open. A hard write error still
	// fails the commit, and because the group is already durable while
	// memory rolls back, the pager is poisoned until reopen replays it.
	for _, id := range p.dirtyOrder {
		if _, err := p.file.WriteAt(p.dirty[id], int64(id)*int64(p.opts.PageSize)); err != nil {
			p.failed = true
			return fmt.Errorf("pager: apply page %d: %w", id, err)
		}
		p.cache.Del(uint64(id))
	}
	if _, err := p.file.WriteAt(metaImage, 0); err != nil {
		p.failed = true
		return fmt.Errorf("pager: apply header page: %w", err)
	}

	p.dirty = make(map[PageID][]byte)
	p.dirtyOrder = p.dirtyOrder[:0]
	p.meta = p.working.clone()
	p.commits++
	return nil
}

func (p *Pager) metaChanged() bool {
	if p.working.PageCount != p.meta.PageCount ||
		p.working.FreeHead != p.meta.FreeHead ||
		p.working.NextNodeID != p.meta.NextNodeID ||
		p.working.NextEdgeID != p.meta.NextEdgeID ||
		len(p.working.Roots) != len(p.meta.Roots) {
		return true
	}
	for name, id := range p.working.Roots {
		if p.meta.Roots[name] != id {
			return true
		}
	}
	return false
}

// Rollback discards every staged page write and header change.
func (p *Pager) Rollback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = make(map[PageID][]byte)
	p.dirtyOrder = p.dirtyOrder[:0]
	p.working = p.meta.clone()
}

// Checkpoint makes the page file self-sufficient and truncates the WAL.
// The page file already mirrors every committed group, so this is an
// fsync of the page file followed by a log reset. Idempotent.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.failed {
		// The log holds a durable group the page file does not; only
		// replay on reopen may reconcile them.
		return ErrCommitFailed
	}
	if !p.opts.NoSync {
		if err := p.file.Sync(); err != nil {
			return fmt.Errorf("pager: checkpoint fsync: %w", err)
		}
	}
	if err := p.wal.Reset(); err != nil {
		return err
	}
	p.checkpoints++
	return nil
}

// Stats returns a snapshot of pager counters.
func (p *Pager) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	walBytes, _ := p.wal.Size()
	free := uint64(0)
	for id := p.meta.FreeHead; id != 0; {
		free++
		buf, err := p.readLocked(id)
		if err != nil {
			break
		}
		id = PageID(beUint64(buf[0:8]))
	}
	return Stats{
		PageSize:    p.opts.PageSize,
		PageCount:   p.meta.PageCount,
		FreePages:   free,
		Commits:     p.commits,
		Checkpoints: p.checkpoints,
		WALBytes:    walBytes,
		CacheHits:   p.cacheHits.Load(),
		CacheMisses: p.cacheMisses.Load(),
	}
}

func beUint64(b []byte) uint64     { return binary.BigEndian.Uint64(b) }
func putUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

// Close checkpoints nothing; it just releases resources. Committed state
// is already durable via the WAL.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.closeFilesLocked()
}

func (p *Pager) closeFiles() error {
	p.closed = true
	return p.closeFilesLocked()
}

func (p *Pager) closeFilesLocked() error {
	p.cache.Close()
	walErr := p.wal.Close()
	fileErr := p.file.Close()
	if walErr != nil {
		return walErr
	}
	return fileErr
}

// Package btree implements the on-disk B+ tree every Runestone table and
// index is stored in: the node and edge tables, the label and property
// indexes, and both adjacency directions.
//
// Keys are arbitrary byte strings compared lexicographically. Leaves hold
// the records, internal pages hold separator keys and child pointers, and
// leaves are chained left-to-right through a right-sibling pointer so
// range scans never re-descend. All page mutations compute the new layout
// fully before handing the image to the pager, so a failed operation
// leaves the tree exactly as it was.
package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/orneryd/runestone/pkg/pager"
)

// Tree errors.
var (
	ErrKeyTooLarge   = errors.New("btree: key too large for page")
	ErrEntryTooLarge = errors.New("btree: entry too large for page")
	ErrReadOnlyView  = errors.New("btree: snapshot view is read-only")
)

// Entry is one key/value pair for bulk insertion.
type Entry struct {
	Key   []byte
	Value []byte
}

// Tree is a handle on one named B+ tree. The root page id lives in the
// pager's header page under the tree name, so it is published atomically
// with the commit that moved it. Tree is not safe for concurrent use; the
// graph layer serializes writers through its transaction gate.
type Tree struct {
	pg   *pager.Pager
	name string

	// snapshot views read the last committed root and page images,
	// bypassing the in-flight transaction's staged writes.
	snapshot bool

	// Bounded one-entry leaf reference cache for sorted workloads: the
	// last descended leaf together with the key range it is responsible
	// for. Any split invalidates it.
	cachedLeaf  pager.PageID
	cachedPath  []pathEntry
	cachedLower []byte
	cachedUpper []byte // nil means unbounded
	cacheValid  bool
}

type pathEntry struct {
	id   pager.PageID
	slot int // child slot taken while descending
}

// Open returns a handle on the named tree, creating an empty root leaf on
// first use. Creation is staged through the pager and only becomes
// durable with the enclosing commit.
func Open(pg *pager.Pager, name string) (*Tree, error) {
	t := &Tree{pg: pg, name: name}
	if _, ok := pg.Root(name); ok {
		return t, nil
	}
	rootID, err := pg.AllocPage()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, pg.PageSize())
	initPage(buf, pageKindLeaf)
	if err := pg.Write(rootID, buf); err != nil {
		return nil, err
	}
	pg.SetRoot(name, rootID)
	return t, nil
}

// Name returns the tree's registered name.
func (t *Tree) Name() string { return t.name }

// InvalidateCache drops the leaf reference cache. The graph layer calls
// this after a rollback, when staged page writes (and possibly the root)
// have been thrown away underneath us.
func (t *Tree) InvalidateCache() { t.cacheValid = false }

// Snapshot returns a read-only view of the tree as of the last commit.
// The view ignores staged writes entirely, so concurrent readers see
// committed state while a write transaction mutates the tree in place.
// Mutating methods on the view return ErrReadOnlyView.
func (t *Tree) Snapshot() *Tree {
	return &Tree{pg: t.pg, name: t.name, snapshot: true}
}

func (t *Tree) root() (pager.PageID, error) {
	var (
		id pager.PageID
		ok bool
	)
	if t.snapshot {
		id, ok = t.pg.CommittedRoot(t.name)
	} else {
		id, ok = t.pg.Root(t.name)
	}
	if !ok {
		return 0, fmt.Errorf("btree: tree %q has no root: %w", t.name, pager.ErrCorruption)
	}
	return id, nil
}

func (t *Tree) load(id pager.PageID) (*node, error) {
	var (
		buf []byte
		err error
	)
	if t.snapshot {
		buf, err = t.pg.ReadCommitted(id)
	} else {
		buf, err = t.pg.Read(id)
	}
	if err != nil {
		return nil, err
	}
	return loadNode(id, buf)
}

func (t *Tree) maxEntrySize() int {
	// A leaf must be able to hold at least two records so a split always
	// makes progress.
	usable := t.pg.PageSize() - pageHeaderLen - 2*slotEntryLen
	return usable / 2
}

// descend walks root-to-leaf for key, recording the ancestor path for
// split propagation and the key bounds the leaf is responsible for.
func (t *Tree) descend(key []byte) (*node, []pathEntry, []byte, []byte, error) {
	id, err := t.root()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var path []pathEntry
	var lower, upper []byte
	for {
		n, err := t.load(id)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if n.isLeaf() {
			return n, path, lower, upper, nil
		}
		child, slot, err := n.childFor(key)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if slot > 0 {
			k, err := n.recordKey(slot)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			lower = append([]byte(nil), k...)
		}
		if slot+1 < n.slotCount() {
			k, err := n.recordKey(slot + 1)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			upper = append([]byte(nil), k...)
		}
		path = append(path, pathEntry{id: id, slot: slot})
		id = child
	}
}

// Get returns the value stored under key, or (nil, false) when absent.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	leaf, _, _, _, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	idx, found, err := leaf.search(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	rec, err := decodeLeafRecord(leaf.buf, leaf.slotOffset(idx))
	if err != nil {
		return nil, false, err
	}
	return append([]byte(nil), rec.value...), true, nil
}

// Put inserts or replaces the value under key.
func (t *Tree) Put(key, value []byte) error {
	if t.snapshot {
		return ErrReadOnlyView
	}
	if len(key) > 0xFFFF {
		return ErrKeyTooLarge
	}
	rec := leafRecord{key: key, value: value}
	if rec.encodedLen()+slotEntryLen > t.maxEntrySize() {
		return fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, rec.encodedLen())
	}
	leaf, path, lower, upper, err := t.descend(key)
	if err != nil {
		return err
	}
	return t.putInLeaf(leaf, path, lower, upper, key, value)
}

// PutMany inserts pre-sorted entries, reusing the last descended leaf as
// long as the next key still falls inside its bounds. This is the bulk
// path the commit pipeline uses for adjacency and index batches: sorting
// first turns many random descents into a handful of sequential ones.
func (t *Tree) PutMany(entries []Entry) error {
	if t.snapshot {
		return ErrReadOnlyView
	}
	for i := range entries {
		e := &entries[i]
		if len(e.Key) > 0xFFFF {
			return ErrKeyTooLarge
		}
		rec := leafRecord{key: e.Key, value: e.Value}
		if rec.encodedLen()+slotEntryLen > t.maxEntrySize() {
			return fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, rec.encodedLen())
		}

		if t.cacheValid && t.leafCovers(e.Key) {
			leaf, err := t.load(t.cachedLeaf)
			if err != nil {
				return err
			}
			if err := t.putInLeaf(leaf, t.cachedPath, t.cachedLower, t.cachedUpper, e.Key, e.Value); err != nil {
				return err
			}
			continue
		}

		leaf, path, lower, upper, err := t.descend(e.Key)
		if err != nil {
			return err
		}
		if err := t.putInLeaf(leaf, path, lower, upper, e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) leafCovers(key []byte) bool {
	if t.cachedLower != nil && bytes.Compare(key, t.cachedLower) < 0 {
		return false
	}
	if t.cachedUpper != nil && bytes.Compare(key, t.cachedUpper) >= 0 {
		return false
	}
	return true
}

func (t *Tree) rememberLeaf(leaf *node, path []pathEntry, lower, upper []byte) {
	t.cachedLeaf = leaf.id
	t.cachedPath = path
	t.cachedLower = lower
	t.cachedUpper = upper
	t.cacheValid = true
}

func (t *Tree) putInLeaf(leaf *node, path []pathEntry, lower, upper, key, value []byte) error {
	idx, found, err := leaf.search(key)
	if err != nil {
		return err
	}
	if found {
		// Replace: drop the old slot, reclaim lazily, insert fresh.
		leaf.removeAt(idx)
	}

	rec := leafRecord{key: key, value: value}
	need := rec.encodedLen() + slotEntryLen
	if leaf.freeBytes() < need {
		live, err := leaf.liveBytes()
		if err != nil {
			return err
		}
		capacity := len(leaf.buf) - pageHeaderLen - (leaf.slotCount()+1)*slotEntryLen
		if live+rec.encodedLen() <= capacity {
			if err := leaf.compact(); err != nil {
				return err
			}
			// Slots keep their order across compaction.
		} else {
			return t.splitLeafAndInsert(leaf, path, key, value)
		}
	}

	leaf.insertAt(idx, rec.encodedLen(), func(buf []byte, off int) {
		encodeLeafRecord(buf, off, key, value)
	})
	if err := t.pg.Write(leaf.id, leaf.buf); err != nil {
		return err
	}
	t.rememberLeaf(leaf, path, lower, upper)
	return nil
}

// splitLeafAndInsert redistributes the leaf's records (plus the new one)
// across the old page and a freshly allocated right sibling, then pushes
// the separator into the parent, splitting upward as needed.
func (t *Tree) splitLeafAndInsert(leaf *node, path []pathEntry, key, value []byte) error {
	t.cacheValid = false

	records, err := collectLeafRecords(leaf)
	if err != nil {
		return err
	}
	pos := sort.Search(len(records), func(i int) bool {
		return bytes.Compare(records[i].key, key) >= 0
	})
	records = append(records, leafRecord{})
	copy(records[pos+1:], records[pos:])
	records[pos] = leafRecord{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	}

	sizes := make([]int, len(records))
	for i := range records {
		sizes[i] = records[i].encodedLen() + slotEntryLen
	}
	mid := splitPoint(sizes)
	leftRecs, rightRecs := records[:mid], records[mid:]

	rightID, err := t.pg.AllocPage()
	if err != nil {
		return err
	}

	pageSize := t.pg.PageSize()
	leftBuf := make([]byte, pageSize)
	rightBuf := make([]byte, pageSize)
	initPage(leftBuf, pageKindLeaf)
	initPage(rightBuf, pageKindLeaf)
	left := &node{id: leaf.id, buf: leftBuf, kind: pageKindLeaf}
	right := &node{id: rightID, buf: rightBuf, kind: pageKindLeaf}
	right.setRightSibling(leaf.rightSibling())
	left.setRightSibling(rightID)

	if err := fillLeaf(left, leftRecs); err != nil {
		return err
	}
	if err := fillLeaf(right, rightRecs); err != nil {
		return err
	}
	if err := t.pg.Write(left.id, left.buf); err != nil {
		return err
	}
	if err := t.pg.Write(right.id, right.buf); err != nil {
		return err
	}

	separator := append([]byte(nil), rightRecs[0].key...)
	return t.insertSeparator(path, left.id, separator, rightID)
}

// splitPoint picks the cut index whose left half's byte size comes
// closest to half the total. Cutting at the record midpoint instead can
// leave one half over capacity when record sizes are skewed, since a
// single record may be as large as half a page. At least one record
// stays on each side.
func splitPoint(sizes []int) int {
	total := 0
	for _, s := range sizes {
		total += s
	}
	half := total / 2
	acc := 0
	for i := 0; i < len(sizes)-1; i++ {
		if acc+sizes[i] >= half {
			// The crossing record goes to whichever side keeps the
			// halves more even.
			if i > 0 && acc+sizes[i]-half > half-acc {
				return i
			}
			return i + 1
		}
		acc += sizes[i]
	}
	return len(sizes) - 1
}

func collectLeafRecords(leaf *node) ([]leafRecord, error) {
	out := make([]leafRecord, leaf.slotCount())
	for i := 0; i < leaf.slotCount(); i++ {
		rec, err := decodeLeafRecord(leaf.buf, leaf.slotOffset(i))
		if err != nil {
			return nil, err
		}
		out[i] = leafRecord{
			key:   append([]byte(nil), rec.key...),
			value: append([]byte(nil), rec.value...),
		}
	}
	return out, nil
}

func fillLeaf(n *node, records []leafRecord) error {
	for i, rec := range records {
		need := rec.encodedLen() + slotEntryLen
		if n.freeBytes() < need {
			return fmt.Errorf("btree: split does not fit page %d: %w", n.id, pager.ErrCorruption)
		}
		r := rec
		n.insertAt(i, rec.encodedLen(), func(buf []byte, off int) {
			encodeLeafRecord(buf, off, r.key, r.value)
		})
	}
	return nil
}

// insertSeparator walks the ancestor stack bottom-up inserting (sep,
// rightChild) next to leftChild, splitting internal pages as necessary.
// An empty stack means leftChild was the root: a new root is allocated
// and the tree grows one level.
func (t *Tree) insertSeparator(path []pathEntry, leftChild pager.PageID, sep []byte, rightChild pager.PageID) error {
	if len(path) == 0 {
		return t.growRoot(leftChild, sep, rightChild)
	}

	parentEntry := path[len(path)-1]
	rest := path[:len(path)-1]
	parent, err := t.load(parentEntry.id)
	if err != nil {
		return err
	}

	idx, _, err := parent.search(sep)
	if err != nil {
		return err
	}
	rec := internalRecord{key: sep, child: rightChild}
	need := rec.encodedLen() + slotEntryLen
	if parent.freeBytes() < need {
		live, err := parent.liveBytes()
		if err != nil {
			return err
		}
		capacity := len(parent.buf) - pageHeaderLen - (parent.slotCount()+1)*slotEntryLen
		if live+rec.encodedLen() <= capacity {
			if err := parent.compact(); err != nil {
				return err
			}
		} else {
			return t.splitInternalAndInsert(parent, rest, sep, rightChild)
		}
	}

	parent.insertAt(idx, rec.encodedLen(), func(buf []byte, off int) {
		encodeInternalRecord(buf, off, sep, rightChild)
	})
	return t.pg.Write(parent.id, parent.buf)
}

func (t *Tree) splitInternalAndInsert(page *node, path []pathEntry, sep []byte, rightChild pager.PageID) error {
	records, err := collectInternalRecords(page)
	if err != nil {
		return err
	}
	pos := sort.Search(len(records), func(i int) bool {
		return bytes.Compare(records[i].key, sep) >= 0
	})
	records = append(records, internalRecord{})
	copy(records[pos+1:], records[pos:])
	records[pos] = internalRecord{key: append([]byte(nil), sep...), child: rightChild}

	sizes := make([]int, len(records))
	for i := range records {
		sizes[i] = records[i].encodedLen() + slotEntryLen
	}
	mid := splitPoint(sizes)
	leftRecs, rightRecs := records[:mid], records[mid:]

	rightID, err := t.pg.AllocPage()
	if err != nil {
		return err
	}

	pageSize := t.pg.PageSize()
	leftBuf := make([]byte, pageSize)
	rightBuf := make([]byte, pageSize)
	initPage(leftBuf, pageKindInternal)
	initPage(rightBuf, pageKindInternal)
	left := &node{id: page.id, buf: leftBuf, kind: pageKindInternal}
	right := &node{id: rightID, buf: rightBuf, kind: pageKindInternal}

	if err := fillInternal(left, leftRecs); err != nil {
		return err
	}
	if err := fillInternal(right, rightRecs); err != nil {
		return err
	}
	if err := t.pg.Write(left.id, left.buf); err != nil {
		return err
	}
	if err := t.pg.Write(right.id, right.buf); err != nil {
		return err
	}

	separator := append([]byte(nil), rightRecs[0].key...)
	return t.insertSeparator(path, left.id, separator, rightID)
}

func collectInternalRecords(page *node) ([]internalRecord, error) {
	out := make([]internalRecord, page.slotCount())
	for i := 0; i < page.slotCount(); i++ {
		rec, err := decodeInternalRecord(page.buf, page.slotOffset(i))
		if err != nil {
			return nil, err
		}
		out[i] = internalRecord{
			key:   append([]byte(nil), rec.key...),
			child: rec.child,
		}
	}
	return out, nil
}

func fillInternal(n *node, records []internalRecord) error {
	for i, rec := range records {
		need := rec.encodedLen() + slotEntryLen
		if n.freeBytes() < need {
			return fmt.Errorf("btree: split does not fit page %d: %w", n.id, pager.ErrCorruption)
		}
		r := rec
		n.insertAt(i, rec.encodedLen(), func(buf []byte, off int) {
			encodeInternalRecord(buf, off, r.key, r.child)
		})
	}
	return nil
}

// growRoot replaces the root with a fresh internal page over the two
// halves of the old one. Tree height increases by exactly one.
func (t *Tree) growRoot(leftChild pager.PageID, sep []byte, rightChild pager.PageID) error {
	left, err := t.load(leftChild)
	if err != nil {
		return err
	}
	leftLow := []byte{}
	if left.slotCount() > 0 {
		k, err := left.recordKey(0)
		if err != nil {
			return err
		}
		leftLow = append([]byte(nil), k...)
	}

	rootID, err := t.pg.AllocPage()
	if err != nil {
		return err
	}
	buf := make([]byte, t.pg.PageSize())
	initPage(buf, pageKindInternal)
	root := &node{id: rootID, buf: buf, kind: pageKindInternal}

	leftRec := internalRecord{key: leftLow, child: leftChild}
	root.insertAt(0, leftRec.encodedLen(), func(b []byte, off int) {
		encodeInternalRecord(b, off, leftLow, leftChild)
	})
	rightRec := internalRecord{key: sep, child: rightChild}
	root.insertAt(1, rightRec.encodedLen(), func(b []byte, off int) {
		encodeInternalRecord(b, off, sep, rightChild)
	})
	if err := t.pg.Write(rootID, buf); err != nil {
		return err
	}
	t.pg.SetRoot(t.name, rootID)
	return nil
}

// Delete removes the entry under key. Missing keys are not an error; the
// bool reports whether anything was removed. No underflow merging: freed
// bytes are reclaimed by per-page compaction and by vacuum.
func (t *Tree) Delete(key []byte) (bool, error) {
	if t.snapshot {
		return false, ErrReadOnlyView
	}
	leaf, _, _, _, err := t.descend(key)
	if err != nil {
		return false, err
	}
	idx, found, err := leaf.search(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	leaf.removeAt(idx)
	if err := t.pg.Write(leaf.id, leaf.buf); err != nil {
		return false, err
	}
	t.cacheValid = false
	return true, nil
}

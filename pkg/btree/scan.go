package btree

import (
	"bytes"
)

// Cursor iterates leaf entries in key order, following the right-sibling
// chain across pages. It reads through the pager, so inside a transaction
// it observes that transaction's own staged writes.
//
// A cursor is positioned before the first entry; call Next to advance.
// The byte slices returned by Key and Value are owned by the cursor and
// only valid until the next call to Next.
type Cursor struct {
	tree *Tree
	page *node
	slot int

	lower []byte // inclusive, nil means start of tree
	upper []byte // exclusive, nil means end of tree

	key   []byte
	value []byte
	err   error
	done  bool
}

// Scan returns a cursor over keys in [lower, upper). A nil lower starts
// at the first key, a nil upper runs to the end of the tree.
func (t *Tree) Scan(lower, upper []byte) (*Cursor, error) {
	c := &Cursor{tree: t, lower: lower, upper: upper, slot: -1}

	var start []byte
	if lower != nil {
		start = lower
	}
	leaf, _, _, _, err := t.descend(start)
	if err != nil {
		return nil, err
	}
	c.page = leaf
	if lower != nil {
		idx, _, err := leaf.search(lower)
		if err != nil {
			return nil, err
		}
		c.slot = idx - 1
	}
	return c, nil
}

// ScanPrefix returns a cursor over every key beginning with prefix.
func (t *Tree) ScanPrefix(prefix []byte) (*Cursor, error) {
	return t.Scan(prefix, prefixUpperBound(prefix))
}

// prefixUpperBound computes the smallest key greater than every key with
// the given prefix, or nil when no such key exists (all 0xFF).
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Next advances to the following entry. It returns false at the end of
// the range or on error; check Err afterwards.
func (c *Cursor) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	for {
		c.slot++
		if c.slot >= c.page.slotCount() {
			next := c.page.rightSibling()
			if next == 0 {
				c.done = true
				return false
			}
			page, err := c.tree.load(next)
			if err != nil {
				c.err = err
				return false
			}
			c.page = page
			c.slot = 0
			if c.page.slotCount() == 0 {
				c.slot = -1
				continue
			}
		}
		rec, err := decodeLeafRecord(c.page.buf, c.page.slotOffset(c.slot))
		if err != nil {
			c.err = err
			return false
		}
		if c.lower != nil && bytes.Compare(rec.key, c.lower) < 0 {
			continue
		}
		if c.upper != nil && bytes.Compare(rec.key, c.upper) >= 0 {
			c.done = true
			return false
		}
		c.key = append(c.key[:0], rec.key...)
		c.value = append(c.value[:0], rec.value...)
		return true
	}
}

// Key returns the current entry's key.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current entry's value.
func (c *Cursor) Value() []byte { return c.value }

// Err reports the first error the cursor hit, if any.
func (c *Cursor) Err() error { return c.err }

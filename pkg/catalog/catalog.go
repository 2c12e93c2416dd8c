// Package catalog maps label, edge-type and property-name strings to
// compact numeric ids.
//
// Index and adjacency keys embed the id instead of the string, which
// keeps them fixed-width and cheap to compare. The mapping lives in its
// own B+ tree with both directions materialized, so lookups never scan.
package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/orneryd/runestone/pkg/btree"
	"github.com/orneryd/runestone/pkg/pager"
)

// Catalog errors.
var (
	ErrUnknownID = errors.New("catalog: unknown id")
	ErrEmptyName = errors.New("catalog: empty name")
)

const (
	prefixForward = 0x01 // name -> id
	prefixReverse = 0x02 // id -> name
	counterKey    = 0x00 // next id
)

// Catalog is one named string dictionary. Ids start at 1 and are never
// reused. Safe for concurrent readers; writes come from the single
// writer holding the transaction gate.
type Catalog struct {
	mu   sync.Mutex
	tree *btree.Tree
}

// Open returns the dictionary stored under name, creating it on first
// use.
func Open(pg *pager.Pager, name string) (*Catalog, error) {
	tree, err := btree.Open(pg, name)
	if err != nil {
		return nil, err
	}
	return &Catalog{tree: tree}, nil
}

func forwardKey(name string) []byte {
	key := make([]byte, 1+len(name))
	key[0] = prefixForward
	copy(key[1:], name)
	return key
}

func reverseKey(id uint32) []byte {
	key := make([]byte, 5)
	key[0] = prefixReverse
	binary.BigEndian.PutUint32(key[1:], id)
	return key
}

// Intern returns the id for name, allocating one when the name is new.
// A new assignment is staged on the current transaction and becomes
// durable with its commit.
func (c *Catalog) Intern(name string) (uint32, error) {
	if name == "" {
		return 0, ErrEmptyName
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if val, found, err := c.tree.Get(forwardKey(name)); err != nil {
		return 0, err
	} else if found {
		return binary.BigEndian.Uint32(val), nil
	}

	id, err := c.nextID()
	if err != nil {
		return 0, err
	}

	idBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idBuf, id)
	if err := c.tree.Put(forwardKey(name), idBuf); err != nil {
		return 0, err
	}
	if err := c.tree.Put(reverseKey(id), []byte(name)); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Catalog) nextID() (uint32, error) {
	key := []byte{counterKey}
	next := uint32(1)
	if val, found, err := c.tree.Get(key); err != nil {
		return 0, err
	} else if found {
		next = binary.BigEndian.Uint32(val)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next+1)
	if err := c.tree.Put(key, buf); err != nil {
		return 0, err
	}
	return next, nil
}

// InvalidateCache drops the underlying tree's leaf cache. Called after
// a rollback, when staged writes were discarded underneath the tree.
func (c *Catalog) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.InvalidateCache()
}

// Lookup returns the id for name without allocating.
func (c *Catalog) Lookup(name string) (uint32, bool, error) {
	if name == "" {
		return 0, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	val, found, err := c.tree.Get(forwardKey(name))
	if err != nil || !found {
		return 0, false, err
	}
	return binary.BigEndian.Uint32(val), true, nil
}

// Name resolves an id back to its string.
func (c *Catalog) Name(id uint32) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, found, err := c.tree.Get(reverseKey(id))
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	return string(val), nil
}

// Names lists every interned string with its id, in id order.
func (c *Catalog) Names() (map[uint32]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := c.tree.ScanPrefix([]byte{prefixReverse})
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]string)
	for cur.Next() {
		id := binary.BigEndian.Uint32(cur.Key()[1:])
		out[id] = string(cur.Value())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

package btree

import (
	"context"

	"github.com/tuannm99/novastore/internal/storage"
)

// Pair is one emitted (key, value). Non-unique slots emit one Pair per
// list element, in insertion order.
type Pair struct {
	Key   Key
	Value []byte
}

// Cursor is a lazy, restartable ascending scan over the leaf chain.
// Each leaf is loaded once, its entries copied out, and the next leaf
// reached through the right-sibling link; scanning stops as soon as the
// first key past the end bound is seen.
type Cursor struct {
	t   *Tree
	ctx context.Context

	startEnc     []byte
	startIncl    bool
	endEnc       []byte // nil = unbounded
	endIncl      bool
	prefixEnc    []byte // non-nil for prefix scans
	hasStart     bool

	leafID   storage.PageID
	pending  []Pair // decoded pairs of the current leaf not yet emitted
	lastKey  []byte // encoded key of the last emitted pair, for restart
	started  bool
	done     bool
	err      error
	leaves   uint64
}

// Range returns a cursor over keys in [start, end] with per-bound
// inclusion flags. Bounds may use fewer components than the index (they
// compare as prefixes). An inverted range emits nothing.
func (t *Tree) Range(ctx context.Context, start, end Key, startIncl, endIncl bool) *Cursor {
	c := &Cursor{
		t:         t,
		ctx:       ctx,
		startIncl: startIncl,
		endIncl:   endIncl,
	}
	if len(start.Comps) > 0 {
		c.startEnc = start.Encode()
		c.hasStart = true
	}
	if len(end.Comps) > 0 {
		c.endEnc = end.Encode()
	}
	return c
}

// Prefix returns a cursor over every key whose leading components equal
// prefix, in ascending order.
func (t *Tree) Prefix(ctx context.Context, prefix Key) *Cursor {
	enc := prefix.Encode()
	return &Cursor{
		t:         t,
		ctx:       ctx,
		startEnc:  enc,
		startIncl: true,
		hasStart:  true,
		prefixEnc: enc,
	}
}

// Next returns the next pair in order. It returns false when the scan is
// exhausted or failed; check Err to tell the two apart.
func (c *Cursor) Next() (Pair, bool) {
	if c.done || c.err != nil {
		return Pair{}, false
	}
	if err := ctxErr(c.ctx); err != nil {
		c.fail(err)
		return Pair{}, false
	}
	if err := c.t.ensureOpen(); err != nil {
		c.fail(err)
		return Pair{}, false
	}

	if !c.started {
		if err := c.seek(); err != nil {
			c.fail(err)
			return Pair{}, false
		}
		c.started = true
	}

	for {
		if len(c.pending) > 0 {
			p := c.pending[0]
			c.pending = c.pending[1:]
			c.lastKey = p.Key.Encode()
			return p, true
		}
		if c.leafID == storage.NullPage {
			c.done = true
			return Pair{}, false
		}
		if err := ctxErr(c.ctx); err != nil {
			c.fail(err)
			return Pair{}, false
		}
		if err := c.loadLeaf(); err != nil {
			c.fail(err)
			return Pair{}, false
		}
	}
}

// Err reports a failed scan; nil after normal exhaustion.
func (c *Cursor) Err() error { return c.err }

// LeavesTouched counts leaf page loads (a leaf read again after Restart
// counts again); tests assert scan locality through it.
func (c *Cursor) LeavesTouched() uint64 { return c.leaves }

// Restart re-seeks past the last emitted key, recovering from a failed
// leaf read or from structural changes that moved the cursor's leaf.
func (c *Cursor) Restart() {
	c.err = nil
	c.done = false
	c.pending = nil
	if c.lastKey != nil {
		// Resume strictly after what was already emitted.
		c.startEnc = append([]byte(nil), c.lastKey...)
		c.startIncl = false
		c.hasStart = true
	}
	c.started = false
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.pending = nil
}

// seek positions the cursor at the leaf that contains the start bound
// (or the leftmost leaf with no bound).
func (c *Cursor) seek() error {
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()

	if !c.hasStart {
		// Leftmost leaf.
		id := c.t.root
		level := c.t.height
		for level > 1 {
			p, err := c.t.bp.Fetch(id)
			if err != nil {
				return err
			}
			if p.SlotCount() == 0 {
				c.t.bp.Unpin(id)
				return ErrInternalNodeHasNoEntries
			}
			child := (&InternalNode{Page: p}).readEntries()[0].child
			c.t.bp.Unpin(id)
			id = child
			level--
		}
		c.leafID = id
		return nil
	}

	leafID, release, err := c.t.descendToLeaf(c.ctx, c.startEnc)
	if err != nil {
		return err
	}
	release()
	c.leafID = leafID
	return nil
}

// loadLeaf decodes the current leaf into pending pairs (bounds applied)
// and advances leafID to the sibling. Early termination: the first key
// past the end bound finishes the scan without touching further leaves.
func (c *Cursor) loadLeaf() error {
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()

	p, err := c.t.bp.Fetch(c.leafID)
	if err != nil {
		return err
	}
	leaf := &LeafNode{Page: p}
	entries := leaf.readEntries()
	next := p.RightSibling()
	c.t.bp.Unpin(c.leafID)
	c.t.leafReads.Add(1)
	c.leaves++

	for _, e := range entries {
		if !c.inLowerBound(e.key) {
			continue
		}
		ok, past := c.inUpperBound(e.key)
		if past {
			c.leafID = storage.NullPage
			return nil
		}
		if !ok {
			continue
		}

		key, err := DecodeKey(e.key)
		if err != nil {
			return err
		}
		values, err := c.t.decodeCell(e.cell)
		if err != nil {
			return err
		}
		for _, v := range values {
			c.pending = append(c.pending, Pair{Key: key, Value: v})
		}
	}

	c.leafID = next
	return nil
}

func (c *Cursor) inLowerBound(encKey []byte) bool {
	if !c.hasStart {
		return true
	}
	cmp := compareEncoded(encKey, c.startEnc)
	if c.prefixEnc != nil {
		// Prefix scan: every key with the prefix compares >= the encoded
		// prefix, so the lower bound is plain >=.
		return cmp >= 0
	}
	if c.startIncl {
		return cmp >= 0
	}
	// Exclusive bound: strictly after. A key extending a shorter bound
	// compares greater and passes, which is also what Restart relies on.
	return cmp > 0
}

// inUpperBound reports (emit, pastEnd).
func (c *Cursor) inUpperBound(encKey []byte) (bool, bool) {
	if c.prefixEnc != nil {
		if hasEncodedPrefix(encKey, c.prefixEnc) {
			return true, false
		}
		// Keys past the prefix block end the scan.
		return false, compareEncoded(encKey, c.prefixEnc) > 0
	}
	if c.endEnc == nil {
		return true, false
	}
	cmp := compareEncoded(encKey, c.endEnc)
	if cmp < 0 {
		return true, false
	}
	if cmp == 0 || hasEncodedPrefix(encKey, c.endEnc) {
		// An exact match — or a longer key extending an end-bound prefix —
		// is inside an inclusive bound.
		if c.endIncl {
			return true, false
		}
		return false, true
	}
	return false, true
}

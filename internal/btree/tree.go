package btree

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tuannm99/novastore/internal/bufferpool"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/wal"
)

var (
	ErrTreeClosed               = errors.New("btree: tree is closed")
	ErrKeyNotFound              = errors.New("btree: key not found")
	ErrInvalidTreeHeight        = errors.New("btree: invalid tree height")
	ErrInternalNodeHasNoEntries = errors.New("btree: internal node has no entries")
	ErrNotSorted                = errors.New("btree: bulk load input is not sorted")
	ErrCancelled                = errors.New("btree: operation cancelled")
)

// InsertOutcome reports what an Insert or Upsert did.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Updated
	UniqueViolation
)

// DeleteOutcome reports what a Delete did.
type DeleteOutcome int

const (
	Deleted DeleteOutcome = iota
	NotFound
)

type insertMode int

const (
	opInsert insertMode = iota // unique conflict -> UniqueViolation; non-unique -> append to list
	opUpsert                   // existing slot is replaced wholesale
)

// Options fixes the shape of one index.
type Options struct {
	Order          int     // max entries per node
	Unique         bool    // unique index: one value per key
	ComponentCount int     // compound key arity
	FillFactor     float64 // bulk-load leaf fill, (0,1]; 0 -> 0.75
}

// Tree is a B+ tree over buffer-pool pages.
//
// Invariants:
//   - Height >= 1; height 1 means the root is a leaf.
//   - Every node is one page; internal nodes hold (min key, child) entries.
//   - Leaf pages are threaded left-to-right through their right_sibling.
//
// Concurrency: readers descend with latch coupling and may run in
// parallel; structural writers are serialized on the tree lock.
type Tree struct {
	bp      bufferpool.Manager
	ovf     *storage.OverflowManager
	wal     *wal.Manager
	latches *LatchManager

	mu     sync.RWMutex
	root   storage.PageID
	height int
	opts   Options

	pageSize        int
	inlineThreshold int

	// onMetaChange is invoked (under the tree lock) whenever root or
	// height change, so the catalog can persist them.
	onMetaChange func(root storage.PageID, height int)

	leafReads atomic.Uint64
	closed    atomic.Bool

	pendingWAL  []storage.PageID
	pendingFree []storage.PageID
}

// Create formats a brand-new tree with a single empty leaf as root.
func Create(bp bufferpool.Manager, ovf *storage.OverflowManager, w *wal.Manager, pageSize int, opts Options) (*Tree, error) {
	t := newTree(bp, ovf, w, pageSize, opts)

	root, err := bp.NewPage(storage.KindLeaf)
	if err != nil {
		return nil, err
	}
	t.root = root.ID
	t.height = 1
	bp.Unpin(root.ID)

	t.markWAL(root.ID)
	t.flushWAL()

	slog.Debug("btree: created", "root", t.root, "order", opts.Order, "unique", opts.Unique)
	return t, nil
}

// Open attaches to an existing tree whose root and height come from the
// catalog.
func Open(bp bufferpool.Manager, ovf *storage.OverflowManager, w *wal.Manager, pageSize int, opts Options, root storage.PageID, height int) (*Tree, error) {
	if height < 1 || root == storage.NullPage {
		return nil, ErrInvalidTreeHeight
	}
	t := newTree(bp, ovf, w, pageSize, opts)
	t.root = root
	t.height = height
	return t, nil
}

func newTree(bp bufferpool.Manager, ovf *storage.OverflowManager, w *wal.Manager, pageSize int, opts Options) *Tree {
	if opts.Order < 4 {
		opts.Order = 4
	}
	if opts.ComponentCount <= 0 {
		opts.ComponentCount = 1
	}
	if opts.FillFactor <= 0 || opts.FillFactor > 1 {
		opts.FillFactor = 0.75
	}
	return &Tree{
		bp:              bp,
		ovf:             ovf,
		wal:             w,
		latches:         NewLatchManager(),
		opts:            opts,
		pageSize:        pageSize,
		inlineThreshold: (pageSize - storage.HeaderSize) / 4,
	}
}

// OnMetaChange registers the catalog callback; fired immediately so the
// catalog starts in sync.
func (t *Tree) OnMetaChange(fn func(root storage.PageID, height int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMetaChange = fn
	if fn != nil {
		fn(t.root, t.height)
	}
}

func (t *Tree) Root() storage.PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *Tree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.height
}

func (t *Tree) Unique() bool { return t.opts.Unique }

// LeafReads is the running count of leaf pages loaded by read
// operations; tests use it to assert scan locality.
func (t *Tree) LeafReads() uint64 { return t.leafReads.Load() }
func (t *Tree) ResetLeafReads()   { t.leafReads.Store(0) }

func (t *Tree) Close() error {
	if t == nil || t.closed.Swap(true) {
		return nil
	}
	return t.bp.FlushAll()
}

func (t *Tree) ensureOpen() error {
	if t == nil || t.closed.Load() {
		return ErrTreeClosed
	}
	return nil
}

func (t *Tree) validateKey(key Key) error {
	if len(key.Comps) != t.opts.ComponentCount {
		return ErrInvalidKey
	}
	return nil
}

func ctxErr(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// ---- point lookup ----

// Search returns the value stored under key, or ErrKeyNotFound. On a
// non-unique index it returns the first value; use SearchAll for the
// whole list.
func (t *Tree) Search(ctx context.Context, key Key) ([]byte, error) {
	vals, err := t.SearchAll(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrKeyNotFound
	}
	return vals[0], nil
}

// SearchAll returns every value stored under key.
func (t *Tree) SearchAll(ctx context.Context, key Key) ([][]byte, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	if err := t.validateKey(key); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	encKey := key.Encode()
	leafID, release, err := t.descendToLeaf(ctx, encKey)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := t.bp.Fetch(leafID)
	if err != nil {
		return nil, err
	}
	defer t.bp.Unpin(leafID)
	t.leafReads.Add(1)

	leaf := &LeafNode{Page: p}
	idx, ok := leaf.findSlot(encKey)
	if !ok {
		return nil, ErrKeyNotFound
	}
	cell := make([]byte, len(p.SlotValue(idx)))
	copy(cell, p.SlotValue(idx))
	return t.decodeCell(cell)
}

// descendToLeaf walks internal levels with latch coupling and returns
// the leaf page id plus a release func for the held leaf latch.
func (t *Tree) descendToLeaf(ctx context.Context, encKey []byte) (storage.PageID, func(), error) {
	pageID := t.root
	level := t.height

	held := t.latches.Acquire(pageID, LatchRead)
	for level > 1 {
		if err := ctxErr(ctx); err != nil {
			held.Unlock(LatchRead)
			return 0, nil, err
		}

		p, err := t.bp.Fetch(pageID)
		if err != nil {
			held.Unlock(LatchRead)
			return 0, nil, err
		}
		node := &InternalNode{Page: p}
		_, child, err := node.findChildIndex(encKey)
		t.bp.Unpin(pageID)
		if err != nil {
			held.Unlock(LatchRead)
			return 0, nil, err
		}

		// Couple: child latch before parent release.
		childLatch := t.latches.Acquire(child, LatchRead)
		held.Unlock(LatchRead)
		held = childLatch

		pageID = child
		level--
	}
	return pageID, func() { held.Unlock(LatchRead) }, nil
}

// ---- insert / update ----

// Insert adds (key, value). On an existing key a unique index reports
// UniqueViolation without modifying the tree; a non-unique index appends
// to the slot's value list and reports Updated.
func (t *Tree) Insert(ctx context.Context, key Key, value []byte) (InsertOutcome, error) {
	return t.write(ctx, key, value, opInsert)
}

// Upsert replaces the value under key, inserting when absent.
func (t *Tree) Upsert(ctx context.Context, key Key, value []byte) (InsertOutcome, error) {
	return t.write(ctx, key, value, opUpsert)
}

func (t *Tree) write(ctx context.Context, key Key, value []byte, mode insertMode) (InsertOutcome, error) {
	if err := t.ensureOpen(); err != nil {
		return 0, err
	}
	if err := t.validateKey(key); err != nil {
		return 0, err
	}
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	encKey := key.Encode()
	outcome, didSplit, rightMin, rightID, err := t.insertAt(ctx, t.root, t.height, encKey, value, mode)
	if err != nil {
		return 0, err
	}

	if didSplit {
		// Root split: a new internal root one level up.
		leftMin, err := t.findMinKeyInSubtree(t.root, t.height)
		if err != nil {
			return 0, err
		}
		rootPage, err := t.bp.NewPage(storage.KindInternal)
		if err != nil {
			return 0, err
		}
		rootNode := &InternalNode{Page: rootPage}
		if err := rootNode.rebuild([]internalEntry{
			{key: leftMin, child: t.root},
			{key: rightMin, child: rightID},
		}); err != nil {
			t.bp.Unpin(rootPage.ID)
			return 0, err
		}
		t.bp.Unpin(rootPage.ID)
		t.markWAL(rootPage.ID)

		slog.Debug("btree: root split",
			"oldRoot", t.root,
			"newRoot", rootPage.ID,
			"right", rightID,
			"newHeight", t.height+1)

		t.root = rootPage.ID
		t.height++
		t.notifyMeta()
	}

	t.flushWAL()
	return outcome, nil
}

// insertAt inserts into the subtree rooted at pageID (level 1 = leaf).
// Returns the outcome plus split information for the parent.
func (t *Tree) insertAt(ctx context.Context, pageID storage.PageID, level int, encKey, value []byte, mode insertMode) (InsertOutcome, bool, []byte, storage.PageID, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, false, nil, 0, err
	}
	if level < 1 {
		return 0, false, nil, 0, ErrInvalidTreeHeight
	}
	if level == 1 {
		return t.insertIntoLeaf(pageID, encKey, value, mode)
	}
	return t.insertIntoInternal(ctx, pageID, level, encKey, value, mode)
}

func (t *Tree) insertIntoLeaf(pageID storage.PageID, encKey, value []byte, mode insertMode) (InsertOutcome, bool, []byte, storage.PageID, error) {
	p, err := t.bp.FetchForWrite(pageID)
	if err != nil {
		return 0, false, nil, 0, err
	}
	defer t.bp.Unpin(pageID)

	leaf := &LeafNode{Page: p}
	entries := leaf.readEntries()

	idx := sort.Search(len(entries), func(i int) bool {
		return compareEncoded(entries[i].key, encKey) >= 0
	})
	exact := idx < len(entries) && compareEncoded(entries[idx].key, encKey) == 0

	outcome := Inserted
	switch {
	case exact && mode == opInsert && t.opts.Unique:
		return UniqueViolation, false, nil, 0, nil
	case exact && mode == opInsert:
		// Non-unique: append to the slot's value list.
		values, err := t.decodeCell(entries[idx].cell)
		if err != nil {
			return 0, false, nil, 0, err
		}
		values = append(values, value)
		if err := t.freeCellOverflow(entries[idx].cell); err != nil {
			return 0, false, nil, 0, err
		}
		cell, err := t.encodeListCell(values)
		if err != nil {
			return 0, false, nil, 0, err
		}
		entries[idx].cell = cell
		outcome = Updated
	case exact: // opUpsert
		if err := t.freeCellOverflow(entries[idx].cell); err != nil {
			return 0, false, nil, 0, err
		}
		cell, err := t.encodeSingleCell(value)
		if err != nil {
			return 0, false, nil, 0, err
		}
		entries[idx].cell = cell
		outcome = Updated
	default:
		var cell []byte
		var cerr error
		if t.opts.Unique || mode == opUpsert {
			cell, cerr = t.encodeSingleCell(value)
		} else {
			cell, cerr = t.encodeListCell([][]byte{value})
		}
		if cerr != nil {
			return 0, false, nil, 0, cerr
		}
		entries = append(entries, leafEntry{})
		copy(entries[idx+1:], entries[idx:])
		entries[idx] = leafEntry{key: append([]byte(nil), encKey...), cell: cell}
	}

	if len(entries) <= t.opts.Order && t.leafSizeFits(entries) {
		if err := leaf.rebuildSorted(entries); err != nil {
			return 0, false, nil, 0, err
		}
		t.markWAL(pageID)
		return outcome, false, nil, 0, nil
	}

	// Split: current page keeps the lower half, a fresh right sibling
	// takes the rest.
	mid := len(entries) / 2
	leftEnts := entries[:mid]
	rightEnts := entries[mid:]

	rightPage, err := t.bp.NewPage(storage.KindLeaf)
	if err != nil {
		return 0, false, nil, 0, err
	}
	rightLeaf := &LeafNode{Page: rightPage}
	if err := rightLeaf.rebuildSorted(rightEnts); err != nil {
		t.bp.Unpin(rightPage.ID)
		return 0, false, nil, 0, err
	}
	rightPage.SetRightSibling(p.RightSibling())

	if err := leaf.rebuildSorted(leftEnts); err != nil {
		t.bp.Unpin(rightPage.ID)
		return 0, false, nil, 0, err
	}
	p.SetRightSibling(rightPage.ID)

	t.bp.Unpin(rightPage.ID)
	t.markWAL(pageID)
	t.markWAL(rightPage.ID)

	slog.Debug("btree: leaf split",
		"left", pageID,
		"right", rightPage.ID,
		"leftCount", len(leftEnts),
		"rightCount", len(rightEnts))

	rightMin := append([]byte(nil), rightEnts[0].key...)
	return outcome, true, rightMin, rightPage.ID, nil
}

func (t *Tree) insertIntoInternal(ctx context.Context, pageID storage.PageID, level int, encKey, value []byte, mode insertMode) (InsertOutcome, bool, []byte, storage.PageID, error) {
	p, err := t.bp.FetchForWrite(pageID)
	if err != nil {
		return 0, false, nil, 0, err
	}
	defer t.bp.Unpin(pageID)

	node := &InternalNode{Page: p}
	entries := node.readEntries()
	if len(entries) == 0 {
		return 0, false, nil, 0, ErrInternalNodeHasNoEntries
	}

	idx := sort.Search(len(entries), func(i int) bool {
		return compareEncoded(entries[i].key, encKey) > 0
	})
	if idx > 0 {
		idx--
	}

	outcome, childSplit, childRightMin, childRightID, err := t.insertAt(ctx, entries[idx].child, level-1, encKey, value, mode)
	if err != nil {
		return 0, false, nil, 0, err
	}
	if outcome == UniqueViolation {
		return outcome, false, nil, 0, nil
	}

	// Keep the separator honest when the new key became the child's min.
	if compareEncoded(encKey, entries[idx].key) < 0 {
		entries[idx].key = append([]byte(nil), encKey...)
	}

	if childSplit {
		pos := sort.Search(len(entries), func(i int) bool {
			return compareEncoded(entries[i].key, childRightMin) >= 0
		})
		entries = append(entries, internalEntry{})
		copy(entries[pos+1:], entries[pos:])
		entries[pos] = internalEntry{key: childRightMin, child: childRightID}
	}

	if len(entries) <= t.opts.Order && t.internalSizeFits(entries) {
		if err := node.rebuild(entries); err != nil {
			return 0, false, nil, 0, err
		}
		t.markWAL(pageID)
		return outcome, false, nil, 0, nil
	}

	// Split the internal node; current page stays as the left half.
	mid := len(entries) / 2
	leftEnts := entries[:mid]
	rightEnts := entries[mid:]

	rightPage, err := t.bp.NewPage(storage.KindInternal)
	if err != nil {
		return 0, false, nil, 0, err
	}
	rightNode := &InternalNode{Page: rightPage}
	if err := rightNode.rebuild(rightEnts); err != nil {
		t.bp.Unpin(rightPage.ID)
		return 0, false, nil, 0, err
	}
	if err := node.rebuild(leftEnts); err != nil {
		t.bp.Unpin(rightPage.ID)
		return 0, false, nil, 0, err
	}
	t.bp.Unpin(rightPage.ID)
	t.markWAL(pageID)
	t.markWAL(rightPage.ID)

	slog.Debug("btree: internal split",
		"left", pageID,
		"right", rightPage.ID,
		"level", level)

	rightMin := append([]byte(nil), rightEnts[0].key...)
	return outcome, true, rightMin, rightPage.ID, nil
}

// ---- delete ----

// Delete removes key (and its whole value list on a non-unique index).
func (t *Tree) Delete(ctx context.Context, key Key) (DeleteOutcome, error) {
	if err := t.ensureOpen(); err != nil {
		return 0, err
	}
	if err := t.validateKey(key); err != nil {
		return 0, err
	}
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	deleted, err := t.deleteAt(ctx, t.root, t.height, key.Encode())
	if err != nil {
		return 0, err
	}
	if !deleted {
		return NotFound, nil
	}

	// Collapse the root while it is an internal node with one child.
	for t.height > 1 {
		p, err := t.bp.Fetch(t.root)
		if err != nil {
			return 0, err
		}
		count := p.SlotCount()
		var onlyChild storage.PageID
		if count == 1 {
			onlyChild = (&InternalNode{Page: p}).readEntries()[0].child
		}
		t.bp.Unpin(t.root)
		if count != 1 {
			break
		}

		oldRoot := t.root
		t.root = onlyChild
		t.height--
		t.deferFree(oldRoot)
		t.notifyMeta()
		slog.Debug("btree: root collapsed", "oldRoot", oldRoot, "newRoot", t.root, "height", t.height)
	}

	t.flushWAL()
	t.releaseFreed()
	return Deleted, nil
}

func (t *Tree) minEntries() int { return (t.opts.Order + 1) / 2 }

func (t *Tree) deleteAt(ctx context.Context, pageID storage.PageID, level int, encKey []byte) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	if level < 1 {
		return false, ErrInvalidTreeHeight
	}

	if level == 1 {
		return t.deleteFromLeaf(pageID, encKey)
	}

	p, err := t.bp.FetchForWrite(pageID)
	if err != nil {
		return false, err
	}
	defer t.bp.Unpin(pageID)

	node := &InternalNode{Page: p}
	entries := node.readEntries()
	if len(entries) == 0 {
		return false, ErrInternalNodeHasNoEntries
	}

	idx := sort.Search(len(entries), func(i int) bool {
		return compareEncoded(entries[i].key, encKey) > 0
	})
	if idx > 0 {
		idx--
	}

	deleted, err := t.deleteAt(ctx, entries[idx].child, level-1, encKey)
	if err != nil || !deleted {
		return deleted, err
	}

	childCount, err := t.nodeEntryCount(entries[idx].child)
	if err != nil {
		return false, err
	}
	if childCount >= t.minEntries() {
		// Child is fine; refresh its separator (its min may have moved).
		if childCount > 0 {
			min, err := t.findMinKeyInSubtree(entries[idx].child, level-1)
			if err != nil {
				return false, err
			}
			entries[idx].key = min
		}
		if err := node.rebuild(entries); err != nil {
			return false, err
		}
		t.markWAL(pageID)
		return true, nil
	}

	entries, err = t.rebalanceChild(entries, idx, level-1)
	if err != nil {
		return false, err
	}
	if err := node.rebuild(entries); err != nil {
		return false, err
	}
	t.markWAL(pageID)
	return true, nil
}

func (t *Tree) deleteFromLeaf(pageID storage.PageID, encKey []byte) (bool, error) {
	p, err := t.bp.FetchForWrite(pageID)
	if err != nil {
		return false, err
	}
	defer t.bp.Unpin(pageID)

	leaf := &LeafNode{Page: p}
	entries := leaf.readEntries()

	idx := sort.Search(len(entries), func(i int) bool {
		return compareEncoded(entries[i].key, encKey) >= 0
	})
	if idx >= len(entries) || compareEncoded(entries[idx].key, encKey) != 0 {
		return false, nil
	}

	if err := t.freeCellOverflow(entries[idx].cell); err != nil {
		return false, err
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	if err := leaf.rebuildSorted(entries); err != nil {
		return false, err
	}
	t.markWAL(pageID)
	return true, nil
}

// rebalanceChild fixes an underflowing child at parent position idx by
// redistributing with an adjacent sibling or merging into it. Returns
// the updated parent entries.
func (t *Tree) rebalanceChild(entries []internalEntry, idx, childLevel int) ([]internalEntry, error) {
	// Prefer the right sibling, fall back to the left.
	sibIdx := idx + 1
	if sibIdx >= len(entries) {
		sibIdx = idx - 1
	}
	if sibIdx < 0 {
		// Only child: nothing to rebalance against (root collapse handles
		// the top of the tree).
		return entries, nil
	}

	leftIdx, rightIdx := idx, sibIdx
	if sibIdx < idx {
		leftIdx, rightIdx = sibIdx, idx
	}
	leftID := entries[leftIdx].child
	rightID := entries[rightIdx].child

	if childLevel == 1 {
		return t.rebalanceLeaves(entries, leftIdx, rightIdx, leftID, rightID)
	}
	return t.rebalanceInternals(entries, leftIdx, rightIdx, leftID, rightID)
}

func (t *Tree) rebalanceLeaves(entries []internalEntry, leftIdx, rightIdx int, leftID, rightID storage.PageID) ([]internalEntry, error) {
	lp, err := t.bp.FetchForWrite(leftID)
	if err != nil {
		return nil, err
	}
	rp, err := t.bp.FetchForWrite(rightID)
	if err != nil {
		t.bp.Unpin(leftID)
		return nil, err
	}

	left := &LeafNode{Page: lp}
	right := &LeafNode{Page: rp}
	leftEnts := left.readEntries()
	rightEnts := right.readEntries()
	combined := append(append([]leafEntry{}, leftEnts...), rightEnts...)

	if len(combined) <= t.opts.Order && t.leafSizeFits(combined) {
		// Merge into left, unthread and free right.
		if err := left.rebuildSorted(combined); err != nil {
			t.bp.Unpin(leftID)
			t.bp.Unpin(rightID)
			return nil, err
		}
		lp.SetRightSibling(rp.RightSibling())
		t.bp.Unpin(leftID)
		t.bp.Unpin(rightID)
		t.markWAL(leftID)
		t.deferFree(rightID)

		slog.Debug("btree: leaf merge", "left", leftID, "right", rightID)

		if len(combined) > 0 {
			entries[leftIdx].key = append([]byte(nil), combined[0].key...)
		}
		return append(entries[:rightIdx], entries[rightIdx+1:]...), nil
	}

	// Redistribute evenly.
	mid := len(combined) / 2
	if err := left.rebuildSorted(combined[:mid]); err != nil {
		t.bp.Unpin(leftID)
		t.bp.Unpin(rightID)
		return nil, err
	}
	if err := right.rebuildSorted(combined[mid:]); err != nil {
		t.bp.Unpin(leftID)
		t.bp.Unpin(rightID)
		return nil, err
	}
	t.bp.Unpin(leftID)
	t.bp.Unpin(rightID)
	t.markWAL(leftID)
	t.markWAL(rightID)

	entries[leftIdx].key = append([]byte(nil), combined[0].key...)
	entries[rightIdx].key = append([]byte(nil), combined[mid].key...)
	return entries, nil
}

func (t *Tree) rebalanceInternals(entries []internalEntry, leftIdx, rightIdx int, leftID, rightID storage.PageID) ([]internalEntry, error) {
	lp, err := t.bp.FetchForWrite(leftID)
	if err != nil {
		return nil, err
	}
	rp, err := t.bp.FetchForWrite(rightID)
	if err != nil {
		t.bp.Unpin(leftID)
		return nil, err
	}

	left := &InternalNode{Page: lp}
	right := &InternalNode{Page: rp}
	combined := append(append([]internalEntry{}, left.readEntries()...), right.readEntries()...)

	if len(combined) <= t.opts.Order && t.internalSizeFits(combined) {
		if err := left.rebuild(combined); err != nil {
			t.bp.Unpin(leftID)
			t.bp.Unpin(rightID)
			return nil, err
		}
		t.bp.Unpin(leftID)
		t.bp.Unpin(rightID)
		t.markWAL(leftID)
		t.deferFree(rightID)

		slog.Debug("btree: internal merge", "left", leftID, "right", rightID)

		if len(combined) > 0 {
			entries[leftIdx].key = append([]byte(nil), combined[0].key...)
		}
		return append(entries[:rightIdx], entries[rightIdx+1:]...), nil
	}

	mid := len(combined) / 2
	if err := left.rebuild(combined[:mid]); err != nil {
		t.bp.Unpin(leftID)
		t.bp.Unpin(rightID)
		return nil, err
	}
	if err := right.rebuild(combined[mid:]); err != nil {
		t.bp.Unpin(leftID)
		t.bp.Unpin(rightID)
		return nil, err
	}
	t.bp.Unpin(leftID)
	t.bp.Unpin(rightID)
	t.markWAL(leftID)
	t.markWAL(rightID)

	entries[leftIdx].key = append([]byte(nil), combined[0].key...)
	entries[rightIdx].key = append([]byte(nil), combined[mid].key...)
	return entries, nil
}

// ---- shared helpers ----

func (t *Tree) nodeEntryCount(pageID storage.PageID) (int, error) {
	p, err := t.bp.Fetch(pageID)
	if err != nil {
		return 0, err
	}
	n := p.SlotCount()
	t.bp.Unpin(pageID)
	return n, nil
}

func (t *Tree) findMinKeyInSubtree(pageID storage.PageID, level int) ([]byte, error) {
	for level > 1 {
		p, err := t.bp.Fetch(pageID)
		if err != nil {
			return nil, err
		}
		node := &InternalNode{Page: p}
		if p.SlotCount() == 0 {
			t.bp.Unpin(pageID)
			return nil, ErrInternalNodeHasNoEntries
		}
		child := node.readEntries()[0].child
		t.bp.Unpin(pageID)
		pageID = child
		level--
	}

	p, err := t.bp.Fetch(pageID)
	if err != nil {
		return nil, err
	}
	defer t.bp.Unpin(pageID)
	if p.SlotCount() == 0 {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), p.SlotKey(0)...), nil
}

func (t *Tree) leafSizeFits(entries []leafEntry) bool {
	size := 0
	for _, e := range entries {
		size += len(e.key) + len(e.cell) + storage.SlotDirSize
	}
	return size <= t.pageSize-storage.HeaderSize
}

func (t *Tree) internalSizeFits(entries []internalEntry) bool {
	size := 0
	for _, e := range entries {
		size += len(e.key) + 8 + storage.SlotDirSize
	}
	return size <= t.pageSize-storage.HeaderSize
}

func (t *Tree) notifyMeta() {
	if t.onMetaChange != nil {
		t.onMetaChange(t.root, t.height)
	}
}

// ---- redo logging ----

func (t *Tree) markWAL(id storage.PageID) {
	if t.wal != nil {
		t.pendingWAL = append(t.pendingWAL, id)
	}
}

// flushWAL appends redo images of every page the finished operation
// touched. Pages must be logged before the buffer pool may write them
// back; the pool only flushes outside the tree lock, which this holds.
func (t *Tree) flushWAL() {
	if t.wal == nil || len(t.pendingWAL) == 0 {
		return
	}
	// Pages retired by this operation get their free-header image logged
	// in releaseFreed instead; a stale node image here would clobber the
	// free list on replay.
	skip := make(map[storage.PageID]struct{}, len(t.pendingFree))
	for _, id := range t.pendingFree {
		skip[id] = struct{}{}
	}

	seen := make(map[storage.PageID]struct{}, len(t.pendingWAL))
	for _, id := range t.pendingWAL {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, drop := skip[id]; drop {
			continue
		}

		p, err := t.bp.FetchForWrite(id)
		if err != nil {
			slog.Warn("btree: wal image fetch failed", "pageID", id, "err", err)
			continue
		}
		lsn, err := t.wal.AppendPageImage(uint64(id), p.Buf)
		if err != nil {
			slog.Warn("btree: wal append failed", "pageID", id, "err", err)
		} else {
			p.SetLSN(lsn)
		}
		t.bp.Unpin(id)
	}
	t.pendingWAL = t.pendingWAL[:0]
}

func (t *Tree) deferFree(id storage.PageID) {
	t.pendingFree = append(t.pendingFree, id)
}

// releaseFreed returns pages retired by the finished operation to the
// free list. Deferred until after flushWAL so the surviving pages'
// images are on the log before any structure is torn down on disk.
func (t *Tree) releaseFreed() {
	for _, id := range t.pendingFree {
		t.latches.Drop(id)
		if err := t.bp.DeletePage(id); err != nil {
			slog.Warn("btree: free page failed", "pageID", id, "err", err)
			continue
		}
		if t.wal == nil {
			continue
		}
		// Log the page's free header so replay converges on the final
		// free-list state.
		p, err := t.bp.Fetch(id)
		if err != nil {
			slog.Warn("btree: wal free image fetch failed", "pageID", id, "err", err)
			continue
		}
		if _, err := t.wal.AppendPageImage(uint64(id), p.Buf); err != nil {
			slog.Warn("btree: wal append failed", "pageID", id, "err", err)
		}
		t.bp.Unpin(id)
	}
	t.pendingFree = t.pendingFree[:0]
}

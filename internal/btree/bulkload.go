package btree

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tuannm99/novastore/internal/storage"
)

var ErrTreeNotEmpty = errors.New("btree: bulk load requires an empty tree")

// BulkLoad builds the tree bottom-up from presorted pairs: leaves are
// packed at the configured fill factor and linked, then internal levels
// are constructed over them. Much faster than repeated Insert. The input
// must be sorted ascending; equal neighboring keys are only allowed on a
// non-unique index (they collapse into one value list).
func (t *Tree) BulkLoad(ctx context.Context, pairs []Pair) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Only a freshly created (single empty leaf) tree may be bulk-loaded.
	rootPage, err := t.bp.Fetch(t.root)
	if err != nil {
		return err
	}
	empty := t.height == 1 && rootPage.SlotCount() == 0
	t.bp.Unpin(t.root)
	if !empty {
		return ErrTreeNotEmpty
	}

	// Group into leaf entries, checking order as we go.
	var entries []leafEntry
	var prevEnc []byte
	var run [][]byte // values of the current key run (non-unique)
	var runKey []byte

	flushRun := func() error {
		if runKey == nil {
			return nil
		}
		var cell []byte
		var err error
		if t.opts.Unique {
			cell, err = t.encodeSingleCell(run[0])
		} else {
			cell, err = t.encodeListCell(run)
		}
		if err != nil {
			return err
		}
		entries = append(entries, leafEntry{key: runKey, cell: cell})
		runKey = nil
		run = run[:0]
		return nil
	}

	for _, p := range pairs {
		if err := t.validateKey(p.Key); err != nil {
			return err
		}
		enc := p.Key.Encode()
		if prevEnc != nil {
			cmp := compareEncoded(prevEnc, enc)
			if cmp > 0 || (cmp == 0 && t.opts.Unique) {
				return ErrNotSorted
			}
			if cmp == 0 {
				run = append(run, p.Value)
				continue
			}
		}
		if err := flushRun(); err != nil {
			return err
		}
		runKey = enc
		run = append(run[:0], p.Value)
		prevEnc = enc
	}
	if err := flushRun(); err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	leafCap := int(float64(t.opts.Order) * t.opts.FillFactor)
	if leafCap < 1 {
		leafCap = 1
	}

	// Pack leaves left to right, threading the sibling chain.
	type levelEntry struct {
		minKey []byte
		pageID storage.PageID
	}
	var level []levelEntry

	var prevLeaf *storage.Page
	for start := 0; start < len(entries); {
		end := start + leafCap
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]
		for !t.leafSizeFits(chunk) && len(chunk) > 1 {
			end--
			chunk = entries[start:end]
		}

		page, err := t.bp.NewPage(storage.KindLeaf)
		if err != nil {
			return err
		}
		leaf := &LeafNode{Page: page}
		if err := leaf.rebuildSorted(chunk); err != nil {
			t.bp.Unpin(page.ID)
			return err
		}
		if prevLeaf != nil {
			prevLeaf.SetRightSibling(page.ID)
			t.markWAL(prevLeaf.ID)
			t.bp.Unpin(prevLeaf.ID)
		}
		prevLeaf = page
		level = append(level, levelEntry{
			minKey: append([]byte(nil), chunk[0].key...),
			pageID: page.ID,
		})
		start = end

		if err := ctxErr(ctx); err != nil {
			if prevLeaf != nil {
				t.bp.Unpin(prevLeaf.ID)
			}
			return err
		}
	}
	if prevLeaf != nil {
		t.markWAL(prevLeaf.ID)
		t.bp.Unpin(prevLeaf.ID)
	}

	// Build internal levels until one node remains.
	height := 1
	for len(level) > 1 {
		var parents []levelEntry
		for start := 0; start < len(level); {
			end := start + leafCap
			if end > len(level) {
				end = len(level)
			}
			chunk := level[start:end]

			ients := make([]internalEntry, 0, len(chunk))
			for _, le := range chunk {
				ients = append(ients, internalEntry{key: le.minKey, child: le.pageID})
			}
			for !t.internalSizeFits(ients) && len(ients) > 1 {
				end--
				chunk = level[start:end]
				ients = ients[:len(chunk)]
			}

			page, err := t.bp.NewPage(storage.KindInternal)
			if err != nil {
				return err
			}
			node := &InternalNode{Page: page}
			if err := node.rebuild(ients); err != nil {
				t.bp.Unpin(page.ID)
				return err
			}
			t.markWAL(page.ID)
			t.bp.Unpin(page.ID)

			parents = append(parents, levelEntry{minKey: chunk[0].minKey, pageID: page.ID})
			start = end
		}
		level = parents
		height++
	}

	// Swap in the new root, free the old empty leaf.
	oldRoot := t.root
	t.root = level[0].pageID
	t.height = height
	t.deferFree(oldRoot)
	t.notifyMeta()
	t.flushWAL()
	t.releaseFreed()

	slog.Debug("btree: bulk loaded",
		"keys", len(entries),
		"root", t.root,
		"height", t.height)
	return nil
}

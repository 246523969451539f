package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/tuannm99/novastore/internal/alias/bx"
	"github.com/tuannm99/novastore/internal/storage"
)

var (
	ErrBadValueCell = errors.New("btree: malformed value cell")
)

// Value cells stored in leaf slots. The first byte tags the shape; the
// overflow variants hold a chain ref instead of the payload.
const (
	cellInlineSingle   uint8 = 0
	cellOverflowSingle uint8 = 1
	cellInlineList     uint8 = 2
	cellOverflowList   uint8 = 3

	overflowRefSize = 12 // first page u64 + length u32
)

// leafEntry is a decoded leaf slot: encoded key plus raw value cell.
type leafEntry struct {
	key  []byte
	cell []byte
}

// internalEntry is a decoded internal slot: the min key of the child
// subtree plus the child page id. Min-key routing keeps exactly one
// entry per child, so split and merge never juggle an extra separator.
type internalEntry struct {
	key   []byte
	child storage.PageID
}

// LeafNode is a logical view over a leaf page.
type LeafNode struct {
	Page *storage.Page
}

func (l *LeafNode) readEntries() []leafEntry {
	n := l.Page.SlotCount()
	entries := make([]leafEntry, 0, n)
	for i := 0; i < n; i++ {
		k := make([]byte, len(l.Page.SlotKey(i)))
		copy(k, l.Page.SlotKey(i))
		v := make([]byte, len(l.Page.SlotValue(i)))
		copy(v, l.Page.SlotValue(i))
		entries = append(entries, leafEntry{key: k, cell: v})
	}
	return entries
}

// rebuildSorted rewrites the page from the given entries, preserving the
// next-leaf link.
func (l *LeafNode) rebuildSorted(entries []leafEntry) error {
	sibling := l.Page.RightSibling()
	lsn := l.Page.LSN()
	l.Page.Reset(storage.KindLeaf)
	l.Page.SetRightSibling(sibling)
	l.Page.SetLSN(lsn)
	for _, e := range entries {
		if err := l.Page.AppendSlot(e.key, e.cell); err != nil {
			return err
		}
	}
	return nil
}

// findSlot binary-searches for the encoded key. Returns the slot index
// and whether it is an exact match; on a miss the index is where the key
// would be inserted.
func (l *LeafNode) findSlot(encKey []byte) (int, bool) {
	n := l.Page.SlotCount()
	idx := sort.Search(n, func(i int) bool {
		return compareEncoded(l.Page.SlotKey(i), encKey) >= 0
	})
	if idx < n && compareEncoded(l.Page.SlotKey(idx), encKey) == 0 {
		return idx, true
	}
	return idx, false
}

// InternalNode is a logical view over an internal page.
type InternalNode struct {
	Page *storage.Page
}

func (in *InternalNode) readEntries() []internalEntry {
	n := in.Page.SlotCount()
	entries := make([]internalEntry, 0, n)
	for i := 0; i < n; i++ {
		k := make([]byte, len(in.Page.SlotKey(i)))
		copy(k, in.Page.SlotKey(i))
		entries = append(entries, internalEntry{
			key:   k,
			child: storage.PageID(bx.U64(in.Page.SlotValue(i))),
		})
	}
	return entries
}

func (in *InternalNode) rebuild(entries []internalEntry) error {
	lsn := in.Page.LSN()
	in.Page.Reset(storage.KindInternal)
	in.Page.SetLSN(lsn)
	var childBuf [8]byte
	for _, e := range entries {
		bx.PutU64(childBuf[:], uint64(e.child))
		if err := in.Page.AppendSlot(e.key, childBuf[:]); err != nil {
			return err
		}
	}
	return nil
}

// findChildIndex picks the subtree for the encoded key: the last entry
// whose min key is <= the target, or the leftmost entry when the target
// sorts below everything.
func (in *InternalNode) findChildIndex(encKey []byte) (int, storage.PageID, error) {
	n := in.Page.SlotCount()
	if n == 0 {
		return 0, 0, ErrInternalNodeHasNoEntries
	}
	idx := sort.Search(n, func(i int) bool {
		return compareEncoded(in.Page.SlotKey(i), encKey) > 0
	})
	if idx > 0 {
		idx--
	}
	return idx, storage.PageID(bx.U64(in.Page.SlotValue(idx))), nil
}

// Encoded keys are order-preserving, so a page-level compare is a plain
// byte compare.
func compareEncoded(a, b []byte) int { return bytes.Compare(a, b) }

// ---- value cells ----

// encodeSingleCell wraps one value, spilling to overflow above threshold.
func (t *Tree) encodeSingleCell(value []byte) ([]byte, error) {
	if len(value) <= t.inlineThreshold {
		cell := make([]byte, 1+len(value))
		cell[0] = cellInlineSingle
		copy(cell[1:], value)
		return cell, nil
	}
	ref, err := t.ovf.Write(value)
	if err != nil {
		return nil, err
	}
	return encodeOverflowCell(cellOverflowSingle, ref), nil
}

// encodeListCell wraps a value list, spilling the whole list above threshold.
func (t *Tree) encodeListCell(values [][]byte) ([]byte, error) {
	payload := encodeList(values)
	if len(payload) <= t.inlineThreshold {
		cell := make([]byte, 1+len(payload))
		cell[0] = cellInlineList
		copy(cell[1:], payload)
		return cell, nil
	}
	ref, err := t.ovf.Write(payload)
	if err != nil {
		return nil, err
	}
	return encodeOverflowCell(cellOverflowList, ref), nil
}

func encodeOverflowCell(tag uint8, ref storage.OverflowRef) []byte {
	cell := make([]byte, 1+overflowRefSize)
	cell[0] = tag
	bx.PutU64(cell[1:], uint64(ref.FirstPageID))
	bx.PutU32(cell[9:], ref.Length)
	return cell
}

func encodeList(values [][]byte) []byte {
	size := 2
	for _, v := range values {
		size += 4 + len(v)
	}
	out := make([]byte, size)
	bx.PutU16(out, uint16(len(values)))
	off := 2
	for _, v := range values {
		bx.PutU32(out[off:], uint32(len(v)))
		off += 4
		copy(out[off:], v)
		off += len(v)
	}
	return out
}

func decodeList(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, ErrBadValueCell
	}
	n := int(bx.U16(payload))
	out := make([][]byte, 0, n)
	off := 2
	for i := 0; i < n; i++ {
		if off+4 > len(payload) {
			return nil, ErrBadValueCell
		}
		l := int(bx.U32(payload[off:]))
		off += 4
		if off+l > len(payload) {
			return nil, ErrBadValueCell
		}
		v := make([]byte, l)
		copy(v, payload[off:off+l])
		off += l
		out = append(out, v)
	}
	return out, nil
}

// decodeCell resolves a value cell into its value list, following
// overflow chains when needed.
func (t *Tree) decodeCell(cell []byte) ([][]byte, error) {
	if len(cell) < 1 {
		return nil, ErrBadValueCell
	}
	switch cell[0] {
	case cellInlineSingle:
		v := make([]byte, len(cell)-1)
		copy(v, cell[1:])
		return [][]byte{v}, nil
	case cellOverflowSingle:
		ref, err := decodeOverflowRef(cell)
		if err != nil {
			return nil, err
		}
		v, err := t.ovf.Read(ref)
		if err != nil {
			return nil, err
		}
		return [][]byte{v}, nil
	case cellInlineList:
		return decodeList(cell[1:])
	case cellOverflowList:
		ref, err := decodeOverflowRef(cell)
		if err != nil {
			return nil, err
		}
		payload, err := t.ovf.Read(ref)
		if err != nil {
			return nil, err
		}
		return decodeList(payload)
	}
	return nil, fmt.Errorf("%w: tag %d", ErrBadValueCell, cell[0])
}

func decodeOverflowRef(cell []byte) (storage.OverflowRef, error) {
	if len(cell) != 1+overflowRefSize {
		return storage.OverflowRef{}, ErrBadValueCell
	}
	return storage.OverflowRef{
		FirstPageID: storage.PageID(bx.U64(cell[1:])),
		Length:      bx.U32(cell[9:]),
	}, nil
}

// freeCellOverflow releases any chain a cell points at; called when a
// slot is dropped or replaced.
func (t *Tree) freeCellOverflow(cell []byte) error {
	if len(cell) == 1+overflowRefSize &&
		(cell[0] == cellOverflowSingle || cell[0] == cellOverflowList) {
		ref, err := decodeOverflowRef(cell)
		if err != nil {
			return err
		}
		return t.ovf.Free(ref)
	}
	return nil
}

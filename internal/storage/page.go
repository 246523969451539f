package storage

import (
	"fmt"

	"github.com/tuannm99/novastore/internal/alias/bx"
)

// PageID identifies a page inside one page file. IDs are dense from 0;
// page 0 is the meta page, so 0 doubles as the "no page" sentinel in
// sibling and child links.
type PageID uint64

const NullPage PageID = 0

// PageKind is the first header byte after the magic.
type PageKind uint8

const (
	KindFree     PageKind = 0
	KindLeaf     PageKind = 1
	KindInternal PageKind = 2
	KindMeta     PageKind = 3
	KindOverflow PageKind = 4
)

const (
	pageMagic uint32 = 0x4E565047 // "NVPG"

	// Header layout, all big-endian:
	// offset size field
	// 0      4    magic
	// 4      1    kind
	// 5      1    flags
	// 6      2    slot_count
	// 8      2    free_offset (low end of the payload area)
	// 10     8    right_sibling
	// 18     8    lsn
	offKind     = 4
	offFlags    = 5
	offSlots    = 6
	offFreeOff  = 8
	offSibling  = 10
	offLSN      = 18
	HeaderSize  = 26
	SlotDirSize = 6 // cell_offset u16, key_len u16, value_len u16
)

// Page is a fixed-size byte block with a slot directory growing up from
// the header and cell payload growing down from the end.
//
// +------------------+ 0
// | header           |
// | slot directory   | <-- HeaderSize + slot_count*SlotDirSize
// +------------------+
// |   free space     |
// +------------------+ <-- free_offset
// |  cells (k || v)  |
// +------------------+ page size
type Page struct {
	ID  PageID
	Buf []byte
}

// NewPage wraps buf without touching its contents; call Reset to format.
func NewPage(id PageID, buf []byte) *Page {
	return &Page{ID: id, Buf: buf}
}

// Reset formats the page as an empty node of the given kind.
func (p *Page) Reset(kind PageKind) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	bx.PutU32(p.Buf, pageMagic)
	p.Buf[offKind] = byte(kind)
	bx.PutU16At(p.Buf, offSlots, 0)
	bx.PutU16At(p.Buf, offFreeOff, uint16(len(p.Buf)))
	bx.PutU64At(p.Buf, offSibling, uint64(NullPage))
	bx.PutU64At(p.Buf, offLSN, 0)
}

// Validate checks the loaded image before any field is trusted.
// A zeroed page (never written) is accepted as uninitialized.
func (p *Page) Validate() error {
	if len(p.Buf) < HeaderSize {
		return &CorruptionError{PageID: p.ID, Detail: "short page"}
	}
	if p.IsUninitialized() {
		return nil
	}
	if bx.U32(p.Buf) != pageMagic {
		return &CorruptionError{PageID: p.ID, Detail: "bad page magic"}
	}
	if k := PageKind(p.Buf[offKind]); k > KindOverflow {
		return &CorruptionError{PageID: p.ID, Detail: fmt.Sprintf("unknown kind %d", k)}
	}
	dirEnd := HeaderSize + p.SlotCount()*SlotDirSize
	if dirEnd > p.FreeOffset() || p.FreeOffset() > len(p.Buf) {
		return &CorruptionError{PageID: p.ID, Detail: "slot directory overlaps payload"}
	}
	return nil
}

func (p *Page) IsUninitialized() bool { return bx.U32(p.Buf) == 0 }

func (p *Page) Kind() PageKind     { return PageKind(p.Buf[offKind]) }
func (p *Page) Flags() uint8       { return p.Buf[offFlags] }
func (p *Page) SetFlags(f uint8)   { p.Buf[offFlags] = f }
func (p *Page) SlotCount() int     { return int(bx.U16At(p.Buf, offSlots)) }
func (p *Page) FreeOffset() int    { return int(bx.U16At(p.Buf, offFreeOff)) }
func (p *Page) LSN() uint64        { return bx.U64At(p.Buf, offLSN) }
func (p *Page) SetLSN(lsn uint64)  { bx.PutU64At(p.Buf, offLSN, lsn) }
func (p *Page) RightSibling() PageID {
	return PageID(bx.U64At(p.Buf, offSibling))
}
func (p *Page) SetRightSibling(id PageID) {
	bx.PutU64At(p.Buf, offSibling, uint64(id))
}

func (p *Page) slotOff(i int) int { return HeaderSize + i*SlotDirSize }

// FreeSpace is the gap between the slot directory and the payload area.
func (p *Page) FreeSpace() int {
	return p.FreeOffset() - (HeaderSize + p.SlotCount()*SlotDirSize)
}

// CanFit reports whether one more cell of the given sizes fits.
func (p *Page) CanFit(keyLen, valLen int) bool {
	return p.FreeSpace() >= keyLen+valLen+SlotDirSize
}

// AppendSlot appends a (key, value) cell as the last slot. Callers keep
// slots sorted by rebuilding the page in order (see node rebuild).
func (p *Page) AppendSlot(key, val []byte) error {
	if !p.CanFit(len(key), len(val)) {
		return fmt.Errorf("storage: page %d full (need %d, free %d)",
			p.ID, len(key)+len(val)+SlotDirSize, p.FreeSpace())
	}
	cellOff := p.FreeOffset() - len(key) - len(val)
	copy(p.Buf[cellOff:], key)
	copy(p.Buf[cellOff+len(key):], val)

	n := p.SlotCount()
	o := p.slotOff(n)
	bx.PutU16At(p.Buf, o, uint16(cellOff))
	bx.PutU16At(p.Buf, o+2, uint16(len(key)))
	bx.PutU16At(p.Buf, o+4, uint16(len(val)))

	bx.PutU16At(p.Buf, offSlots, uint16(n+1))
	bx.PutU16At(p.Buf, offFreeOff, uint16(cellOff))
	return nil
}

// SlotKey returns the key bytes of slot i (a view into the page buffer).
func (p *Page) SlotKey(i int) []byte {
	o := p.slotOff(i)
	cellOff := int(bx.U16At(p.Buf, o))
	keyLen := int(bx.U16At(p.Buf, o+2))
	return p.Buf[cellOff : cellOff+keyLen]
}

// SlotValue returns the value bytes of slot i (a view into the page buffer).
func (p *Page) SlotValue(i int) []byte {
	o := p.slotOff(i)
	cellOff := int(bx.U16At(p.Buf, o))
	keyLen := int(bx.U16At(p.Buf, o+2))
	valLen := int(bx.U16At(p.Buf, o+4))
	return p.Buf[cellOff+keyLen : cellOff+keyLen+valLen]
}

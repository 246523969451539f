package storage

import "github.com/tuannm99/novastore/internal/alias/bx"

// Overflow pages hold values too large to inline in a leaf slot. A value
// is chained across pages through the right_sibling header link; each
// page stores its chunk length right after the common header.
//
// offset       size field
// HeaderSize   4    chunk length
// HeaderSize+4 n    chunk bytes
const overflowChunkHeader = 4

// OverflowRef points at an out-of-band value chain.
type OverflowRef struct {
	FirstPageID PageID
	Length      uint32
}

// OverflowManager reads and writes large values as page chains on a
// PageFile. Pages are allocated through the file's free list.
type OverflowManager struct {
	pf *PageFile
}

func NewOverflowManager(pf *PageFile) *OverflowManager {
	return &OverflowManager{pf: pf}
}

func (om *OverflowManager) payloadMax() int {
	return om.pf.PageSize() - HeaderSize - overflowChunkHeader
}

// Write stores value into one or more overflow pages and returns the ref.
func (om *OverflowManager) Write(value []byte) (OverflowRef, error) {
	payloadMax := om.payloadMax()

	var firstID PageID
	var prevID PageID
	var prevBuf []byte

	offset := 0
	for {
		chunkLen := len(value) - offset
		if chunkLen > payloadMax {
			chunkLen = payloadMax
		}

		id, err := om.pf.AllocatePage()
		if err != nil {
			return OverflowRef{}, err
		}

		buf := make([]byte, om.pf.PageSize())
		p := NewPage(id, buf)
		p.Reset(KindOverflow)
		bx.PutU32At(buf, HeaderSize, uint32(chunkLen))
		copy(buf[HeaderSize+overflowChunkHeader:], value[offset:offset+chunkLen])

		if prevBuf != nil {
			// Patch the previous page to point here, then write it out.
			NewPage(prevID, prevBuf).SetRightSibling(id)
			if err := om.pf.WritePage(prevID, prevBuf); err != nil {
				return OverflowRef{}, err
			}
		} else {
			firstID = id
		}

		prevID = id
		prevBuf = buf
		offset += chunkLen

		if offset >= len(value) {
			break
		}
	}

	if err := om.pf.WritePage(prevID, prevBuf); err != nil {
		return OverflowRef{}, err
	}
	return OverflowRef{FirstPageID: firstID, Length: uint32(len(value))}, nil
}

// Read loads the full value by walking the chain.
func (om *OverflowManager) Read(ref OverflowRef) ([]byte, error) {
	result := make([]byte, int(ref.Length))
	remaining := int(ref.Length)
	writePos := 0

	id := ref.FirstPageID
	buf := make([]byte, om.pf.PageSize())
	for remaining > 0 {
		if err := om.pf.ReadPage(id, buf); err != nil {
			return nil, err
		}
		p := NewPage(id, buf)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.Kind() != KindOverflow {
			return nil, &CorruptionError{PageID: id, Detail: "expected overflow page"}
		}

		used := int(bx.U32At(buf, HeaderSize))
		if used > om.payloadMax() {
			used = om.payloadMax()
		}
		if used > remaining {
			used = remaining
		}
		copy(result[writePos:writePos+used], buf[HeaderSize+overflowChunkHeader:HeaderSize+overflowChunkHeader+used])
		writePos += used
		remaining -= used

		next := p.RightSibling()
		if next == NullPage {
			break
		}
		id = next
	}

	if remaining > 0 {
		return nil, &CorruptionError{PageID: ref.FirstPageID, Detail: "overflow chain shorter than ref length"}
	}
	return result, nil
}

// Free releases every page of the chain back to the free list.
func (om *OverflowManager) Free(ref OverflowRef) error {
	id := ref.FirstPageID
	buf := make([]byte, om.pf.PageSize())
	for id != NullPage {
		if err := om.pf.ReadPage(id, buf); err != nil {
			return err
		}
		next := NewPage(id, buf).RightSibling()
		if err := om.pf.FreePage(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}

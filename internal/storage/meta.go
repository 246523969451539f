package storage

import (
	"fmt"

	"github.com/tuannm99/novastore/internal/alias/bx"
)

// Meta page (page 0) layout, big-endian:
//
// offset size field
// 0      4    file magic "NVST"
// 4      2    format version
// 6      4    page size
// 10     8    free-list head
// 18     4    registry blob length
// 22     n    registry blob (catalog-encoded index records)
const (
	fileMagic   uint32 = 0x4E565354 // "NVST"
	fileVersion uint16 = 1

	metaOffVersion  = 4
	metaOffPageSize = 6
	metaOffFreeHead = 10
	metaOffRegLen   = 18
	metaHeaderSize  = 22
)

func (pf *PageFile) writeMetaLocked() error {
	buf := make([]byte, pf.pageSize)
	bx.PutU32(buf, fileMagic)
	bx.PutU16At(buf, metaOffVersion, fileVersion)
	bx.PutU32At(buf, metaOffPageSize, uint32(pf.pageSize))
	bx.PutU64At(buf, metaOffFreeHead, uint64(pf.freeHead))

	if metaHeaderSize+len(pf.registry) > pf.pageSize {
		return fmt.Errorf("storage: registry blob too large for meta page (%d bytes)", len(pf.registry))
	}
	bx.PutU32At(buf, metaOffRegLen, uint32(len(pf.registry)))
	copy(buf[metaHeaderSize:], pf.registry)

	if _, err := pf.f.WriteAt(buf, 0); err != nil {
		return &IoError{Op: OpWrite, PageID: 0, Err: err}
	}
	return nil
}

func (pf *PageFile) readMetaLocked() error {
	buf := make([]byte, pf.pageSize)
	if err := pf.readPageLocked(0, buf); err != nil {
		return err
	}
	if bx.U32(buf) != fileMagic {
		return ErrBadFileMagic
	}
	if v := bx.U16At(buf, metaOffVersion); v != fileVersion {
		return &CorruptionError{PageID: 0, Detail: fmt.Sprintf("unsupported format version %d", v)}
	}
	if ps := int(bx.U32At(buf, metaOffPageSize)); ps != pf.pageSize {
		return fmt.Errorf("storage: file has page size %d, opened with %d", ps, pf.pageSize)
	}
	pf.freeHead = PageID(bx.U64At(buf, metaOffFreeHead))

	regLen := int(bx.U32At(buf, metaOffRegLen))
	if regLen < 0 || metaHeaderSize+regLen > pf.pageSize {
		return &CorruptionError{PageID: 0, Detail: "registry length out of bounds"}
	}
	pf.registry = make([]byte, regLen)
	copy(pf.registry, buf[metaHeaderSize:metaHeaderSize+regLen])
	return nil
}

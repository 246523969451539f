package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tuannm99/novastore/internal/alias/bx"
)

// PageFile is the durable page store: one file, fixed-size pages,
// random access by PageID. Page 0 is the meta page and is never handed
// out by AllocatePage.
//
// Freed pages are threaded through their own headers: a free page has
// kind=KindFree and its right_sibling points at the next free page.
type PageFile struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	pageSize  int
	pageCount uint64
	freeHead  PageID
	registry  []byte // opaque catalog blob, persisted in the meta page
}

// OpenPageFile opens or creates a page file. An existing file must carry
// the right magic and page size. The file length is rounded down to a
// page multiple, so a torn tail write from a crashed AllocatePage growth
// is dropped.
func OpenPageFile(path string, pageSize int) (*PageFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	pf := &PageFile{f: f, path: path, pageSize: pageSize}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("storage: stat %s: %w", path, err)
	}

	if st.Size() == 0 {
		// Fresh file: format the meta page.
		pf.pageCount = 1
		if err := pf.writeMetaLocked(); err != nil {
			_ = f.Close()
			return nil, err
		}
		return pf, nil
	}

	// A file formatted with another page size is rejected before the
	// torn-tail truncation below could cut it down.
	if st.Size() >= metaHeaderSize {
		hdr := make([]byte, metaHeaderSize)
		if _, err := f.ReadAt(hdr, 0); err == nil && bx.U32(hdr) == fileMagic {
			if ps := int(bx.U32At(hdr, metaOffPageSize)); ps != pageSize {
				_ = f.Close()
				return nil, fmt.Errorf("storage: file has page size %d, opened with %d", ps, pageSize)
			}
		}
	}

	pf.pageCount = uint64(st.Size()) / uint64(pageSize)
	if tail := st.Size() % int64(pageSize); tail != 0 {
		slog.Warn("storage: dropping torn tail", "path", path, "bytes", tail)
		if err := f.Truncate(int64(pf.pageCount) * int64(pageSize)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("storage: truncate %s: %w", path, err)
		}
	}
	if pf.pageCount == 0 {
		pf.pageCount = 1
		if err := pf.writeMetaLocked(); err != nil {
			_ = f.Close()
			return nil, err
		}
		return pf, nil
	}

	if err := pf.readMetaLocked(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return pf, nil
}

func (pf *PageFile) PageSize() int { return pf.pageSize }

func (pf *PageFile) PageCount() uint64 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.pageCount
}

// ReadPage reads exactly one page into dst.
func (pf *PageFile) ReadPage(id PageID, dst []byte) error {
	if len(dst) != pf.pageSize {
		return ErrBadPageSize
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.readPageLocked(id, dst)
}

func (pf *PageFile) readPageLocked(id PageID, dst []byte) error {
	if pf.f == nil {
		return ErrClosed
	}
	if uint64(id) >= pf.pageCount {
		return ErrPageNotFound
	}
	n, err := pf.f.ReadAt(dst, int64(id)*int64(pf.pageSize))
	if err != nil && err != io.EOF {
		return &IoError{Op: OpRead, PageID: id, Err: err}
	}
	// Zero-fill a short read at the tail; higher layers treat an all-zero
	// page as uninitialized.
	for i := n; i < pf.pageSize; i++ {
		dst[i] = 0
	}
	return nil
}

// WritePage overwrites one page.
func (pf *PageFile) WritePage(id PageID, src []byte) error {
	if len(src) != pf.pageSize {
		return ErrBadPageSize
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.writePageLocked(id, src)
}

func (pf *PageFile) writePageLocked(id PageID, src []byte) error {
	if pf.f == nil {
		return ErrClosed
	}
	if uint64(id) >= pf.pageCount {
		return ErrPageNotFound
	}
	if _, err := pf.f.WriteAt(src, int64(id)*int64(pf.pageSize)); err != nil {
		return &IoError{Op: OpWrite, PageID: id, Err: err}
	}
	return nil
}

// AllocatePage pops the free list or grows the file by one page.
// The returned page's on-disk image is zeroed.
func (pf *PageFile) AllocatePage() (PageID, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.f == nil {
		return 0, ErrClosed
	}

	if pf.freeHead != NullPage {
		id := pf.freeHead
		buf := make([]byte, pf.pageSize)
		if err := pf.readPageLocked(id, buf); err != nil {
			return 0, err
		}
		p := NewPage(id, buf)
		if err := p.Validate(); err != nil {
			return 0, err
		}
		if p.Kind() != KindFree {
			return 0, &CorruptionError{PageID: id, Detail: "free-list head is not a free page"}
		}
		pf.freeHead = p.RightSibling()

		zero := make([]byte, pf.pageSize)
		if err := pf.writePageLocked(id, zero); err != nil {
			return 0, err
		}
		if err := pf.writeMetaLocked(); err != nil {
			return 0, err
		}
		slog.Debug("storage: reused free page", "pageID", id, "newFreeHead", pf.freeHead)
		return id, nil
	}

	id := PageID(pf.pageCount)
	zero := make([]byte, pf.pageSize)
	if _, err := pf.f.WriteAt(zero, int64(id)*int64(pf.pageSize)); err != nil {
		return 0, &IoError{Op: OpWrite, PageID: id, Err: err}
	}
	pf.pageCount++
	slog.Debug("storage: grew file", "pageID", id, "pageCount", pf.pageCount)
	return id, nil
}

// FreePage pushes a page onto the free list for reuse.
func (pf *PageFile) FreePage(id PageID) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.f == nil {
		return ErrClosed
	}
	if id == NullPage || uint64(id) >= pf.pageCount {
		return ErrPageNotFound
	}

	buf := make([]byte, pf.pageSize)
	p := NewPage(id, buf)
	p.Reset(KindFree)
	p.SetRightSibling(pf.freeHead)
	if err := pf.writePageLocked(id, buf); err != nil {
		return err
	}
	pf.freeHead = id
	return pf.writeMetaLocked()
}

// ApplyRedo overwrites a page during WAL replay, growing the file when
// the image lies past the current end (the crash may have lost the
// growth write but not the log record).
func (pf *PageFile) ApplyRedo(id PageID, src []byte) error {
	if len(src) != pf.pageSize {
		return ErrBadPageSize
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.f == nil {
		return ErrClosed
	}
	if _, err := pf.f.WriteAt(src, int64(id)*int64(pf.pageSize)); err != nil {
		return &IoError{Op: OpWrite, PageID: id, Err: err}
	}
	if uint64(id) >= pf.pageCount {
		pf.pageCount = uint64(id) + 1
	}
	return nil
}

// Sync issues a durability barrier: all prior writes are persisted
// before it returns.
func (pf *PageFile) Sync() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.f == nil {
		return ErrClosed
	}
	if err := pf.f.Sync(); err != nil {
		return &IoError{Op: OpSync, Err: err}
	}
	return nil
}

// Registry returns the persisted catalog blob from the meta page.
func (pf *PageFile) Registry() []byte {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	out := make([]byte, len(pf.registry))
	copy(out, pf.registry)
	return out
}

// SetRegistry persists a new catalog blob into the meta page.
func (pf *PageFile) SetRegistry(blob []byte) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.f == nil {
		return ErrClosed
	}
	pf.registry = make([]byte, len(blob))
	copy(pf.registry, blob)
	return pf.writeMetaLocked()
}

func (pf *PageFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.f == nil {
		return nil
	}
	err := pf.f.Sync()
	if cerr := pf.f.Close(); err == nil {
		err = cerr
	}
	pf.f = nil
	return err
}

package bufferpool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tuannm99/novastore/internal/storage"
)

var (
	logDebugPrefix  = "bufferpool: "
	DefaultCapacity = 128

	// ErrNoFreeFrame is returned when no unpinned frame is available for
	// replacement, even after a brief wait for a pin release.
	ErrNoFreeFrame = errors.New("bufferpool: no free frame available (all pinned)")

	// ErrPagePinned is returned when trying to evict/delete a pinned page.
	ErrPagePinned = errors.New("bufferpool: page is pinned")
)

// Weights of the hybrid replacement score. The score of an unpinned frame is
//
//	score = FrequencyWeight*accessCount + RecencyWeight*lastAccessSeconds
//
// and the frame with the minimum score is evicted: neither frequently
// used nor recently used makes the weakest candidate. The recency term
// is the last-access time in Unix seconds, so with equal access counts
// the least-recently-used frame loses. The two terms have incompatible
// units (a count against seconds); the sum is kept as-is so behavior is
// reproducible, and the weights are configuration.
type Weights struct {
	Frequency float64
	Recency   float64
}

func DefaultWeights() Weights { return Weights{Frequency: 0.7, Recency: 0.3} }

// Manager is the buffer pool interface the tree and KV layers consume.
type Manager interface {
	// Fetch returns a pinned page for reading.
	Fetch(pageID storage.PageID) (*storage.Page, error)

	// FetchForWrite returns a pinned page for mutation; the frame is
	// marked dirty up front.
	FetchForWrite(pageID storage.PageID) (*storage.Page, error)

	// Unpin decreases the pin count.
	Unpin(pageID storage.PageID)

	// Flush writes one dirty page back; the page stays resident.
	Flush(pageID storage.PageID) error

	// FlushAll writes every dirty page back.
	FlushAll() error

	// NewPage allocates a fresh page, formatted as kind, pinned for write.
	NewPage(kind storage.PageKind) (*storage.Page, error)

	// DeletePage drops the page from the pool and releases it to the
	// page-file free list. Fails if pinned.
	DeletePage(pageID storage.PageID) error
}

// Frame holds a single resident page and its replacement metadata.
type Frame struct {
	PageID      storage.PageID
	Page        *storage.Page
	Dirty       bool
	Pin         int32
	LastAccess  time.Time
	AccessCount uint64
}

var _ Manager = (*Pool)(nil)

// Pool is a fixed-size buffer pool over one PageFile.
type Pool struct {
	pf      *storage.PageFile
	weights Weights

	mu          sync.Mutex
	frames      []*Frame                   // fixed-size, nil == free slot
	pageTable   map[storage.PageID]int     // PageID -> index in frames
	dirtySet    map[storage.PageID]struct{}
	quarantined map[storage.PageID]string // pageID -> corruption detail
	capacity    int

	now func() time.Time // test hook
}

// NewPool creates a buffer pool with the given frame count.
func NewPool(pf *storage.PageFile, capacity int, weights Weights) *Pool {
	if capacity <= 0 {
		capacity = 16
	}
	return &Pool{
		pf:          pf,
		weights:     weights,
		frames:      make([]*Frame, capacity),
		pageTable:   make(map[storage.PageID]int),
		dirtySet:    make(map[storage.PageID]struct{}),
		quarantined: make(map[storage.PageID]string),
		capacity:    capacity,
		now:         time.Now,
	}
}

func (p *Pool) Fetch(pageID storage.PageID) (*storage.Page, error) {
	return p.fetch(pageID, false)
}

func (p *Pool) FetchForWrite(pageID storage.PageID) (*storage.Page, error) {
	return p.fetch(pageID, true)
}

func (p *Pool) fetch(pageID storage.PageID, forWrite bool) (*storage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if detail, bad := p.quarantined[pageID]; bad {
		return nil, &storage.CorruptionError{PageID: pageID, Detail: detail}
	}

	// 1) Already resident.
	if idx, ok := p.pageTable[pageID]; ok {
		f := p.frames[idx]
		f.Pin++
		f.AccessCount++
		f.LastAccess = p.now()
		if forWrite {
			f.Dirty = true
			p.dirtySet[pageID] = struct{}{}
		}
		return f.Page, nil
	}

	// 2) Miss: find a frame (free slot or victim) and load from disk.
	idx, err := p.takeFrameLocked()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, p.pf.PageSize())
	if err := p.pf.ReadPage(pageID, buf); err != nil {
		p.frames[idx] = nil
		return nil, err
	}
	page := storage.NewPage(pageID, buf)
	if err := page.Validate(); err != nil {
		// Quarantine: the frame is unusable, the error propagates.
		var ce *storage.CorruptionError
		if errors.As(err, &ce) {
			p.quarantined[pageID] = ce.Detail
		}
		p.frames[idx] = nil
		slog.Error(logDebugPrefix+"quarantined corrupt page", "pageID", pageID, "err", err)
		return nil, err
	}

	f := &Frame{
		PageID:      pageID,
		Page:        page,
		Pin:         1,
		AccessCount: 1,
		LastAccess:  p.now(),
	}
	if forWrite {
		f.Dirty = true
		p.dirtySet[pageID] = struct{}{}
	}
	p.frames[idx] = f
	p.pageTable[pageID] = idx

	slog.Debug(logDebugPrefix+"loaded page",
		"pageID", pageID,
		"frameIdx", idx,
		"forWrite", forWrite)
	return page, nil
}

// takeFrameLocked returns the index of a frame slot ready for reuse.
// It prefers a free slot, then evicts by hybrid score, spinning briefly
// when every frame is pinned.
func (p *Pool) takeFrameLocked() (int, error) {
	for attempt := 0; ; attempt++ {
		for i, f := range p.frames {
			if f == nil {
				return i, nil
			}
		}

		idx, err := p.pickVictimLocked()
		if err == nil {
			victim := p.frames[idx]
			if victim.Dirty {
				// A dirty page must not be evicted before write-back.
				if werr := p.flushFrameLocked(victim); werr != nil {
					// Keep the frame for retry; surface the I/O error.
					return -1, werr
				}
			}
			slog.Debug(logDebugPrefix+"evicting victim",
				"victimPageID", victim.PageID,
				"frameIdx", idx,
				"accessCount", victim.AccessCount)
			delete(p.pageTable, victim.PageID)
			p.frames[idx] = nil
			return idx, nil
		}

		// All frames pinned: spin briefly waiting for a pin release.
		if attempt >= 50 {
			return -1, ErrNoFreeFrame
		}
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
	}
}

// pickVictimLocked returns the unpinned frame with the minimum hybrid
// score. Caller must hold p.mu.
func (p *Pool) pickVictimLocked() (int, error) {
	best := -1
	var bestScore float64

	for i, f := range p.frames {
		if f == nil || f.Pin > 0 {
			continue
		}
		recency := float64(f.LastAccess.UnixNano()) / float64(time.Second)
		score := p.weights.Frequency*float64(f.AccessCount) + p.weights.Recency*recency
		if best == -1 || score < bestScore {
			best = i
			bestScore = score
		}
	}
	if best == -1 {
		return -1, ErrNoFreeFrame
	}
	return best, nil
}

func (p *Pool) Unpin(pageID storage.PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTable[pageID]
	if !ok {
		slog.Debug(logDebugPrefix+"Unpin ignored, page not in pool", "pageID", pageID)
		return
	}
	f := p.frames[idx]
	if f.Pin > 0 {
		f.Pin--
	}
}

// flushFrameLocked writes one dirty frame back and clears its dirty bit.
func (p *Pool) flushFrameLocked(f *Frame) error {
	if err := p.pf.WritePage(f.PageID, f.Page.Buf); err != nil {
		return err
	}
	f.Dirty = false
	delete(p.dirtySet, f.PageID)
	return nil
}

func (p *Pool) Flush(pageID storage.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTable[pageID]
	if !ok {
		return nil
	}
	f := p.frames[idx]
	if !f.Dirty {
		return nil
	}
	return p.flushFrameLocked(f)
}

func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range p.frames {
		if f == nil || !f.Dirty {
			continue
		}
		if err := p.flushFrameLocked(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) NewPage(kind storage.PageKind) (*storage.Page, error) {
	pageID, err := p.pf.AllocatePage()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.takeFrameLocked()
	if err != nil {
		return nil, err
	}

	page := storage.NewPage(pageID, make([]byte, p.pf.PageSize()))
	page.Reset(kind)

	f := &Frame{
		PageID:      pageID,
		Page:        page,
		Dirty:       true,
		Pin:         1,
		AccessCount: 1,
		LastAccess:  p.now(),
	}
	p.frames[idx] = f
	p.pageTable[pageID] = idx
	p.dirtySet[pageID] = struct{}{}

	slog.Debug(logDebugPrefix+"allocated new page", "pageID", pageID, "kind", kind)
	return page, nil
}

func (p *Pool) DeletePage(pageID storage.PageID) error {
	p.mu.Lock()
	if idx, ok := p.pageTable[pageID]; ok {
		f := p.frames[idx]
		if f.Pin != 0 {
			p.mu.Unlock()
			return ErrPagePinned
		}
		delete(p.pageTable, pageID)
		delete(p.dirtySet, pageID)
		p.frames[idx] = nil
	}
	p.mu.Unlock()

	return p.pf.FreePage(pageID)
}

// DirtyCount reports how many frames still need write-back; used by the
// flusher to decide whether a sync barrier is worth issuing.
func (p *Pool) DirtyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dirtySet)
}

// Resident reports whether a page currently occupies a frame.
func (p *Pool) Resident(pageID storage.PageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pageTable[pageID]
	return ok
}

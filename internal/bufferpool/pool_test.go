package bufferpool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/storage"
)

const testPageSize = 4096

func newTestPool(t *testing.T, capacity int) (*Pool, *storage.PageFile) {
	t.Helper()
	pf, err := storage.OpenPageFile(filepath.Join(t.TempDir(), "test.db"), testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Close() })
	return NewPool(pf, capacity, DefaultWeights()), pf
}

// allocPages allocates n formatted leaf pages straight through the page
// file so the pool starts cold.
func allocPages(t *testing.T, pf *storage.PageFile, n int) []storage.PageID {
	t.Helper()
	ids := make([]storage.PageID, 0, n)
	for i := 0; i < n; i++ {
		id, err := pf.AllocatePage()
		require.NoError(t, err)
		buf := make([]byte, testPageSize)
		storage.NewPage(id, buf).Reset(storage.KindLeaf)
		require.NoError(t, pf.WritePage(id, buf))
		ids = append(ids, id)
	}
	return ids
}

func TestPool_FetchHitAndMiss(t *testing.T) {
	p, pf := newTestPool(t, 4)
	ids := allocPages(t, pf, 1)

	pg, err := p.Fetch(ids[0])
	require.NoError(t, err)
	require.Equal(t, ids[0], pg.ID)
	require.True(t, p.Resident(ids[0]))

	// Hit: same frame, same backing buffer.
	pg2, err := p.Fetch(ids[0])
	require.NoError(t, err)
	require.Equal(t, &pg.Buf[0], &pg2.Buf[0])

	p.Unpin(ids[0])
	p.Unpin(ids[0])
}

func TestPool_PinnedPagesSurviveEvictionPressure(t *testing.T) {
	p, pf := newTestPool(t, 2)
	ids := allocPages(t, pf, 3)

	_, err := p.Fetch(ids[0]) // stays pinned
	require.NoError(t, err)

	pg1, err := p.Fetch(ids[1])
	require.NoError(t, err)
	_ = pg1
	p.Unpin(ids[1])

	// Needs a frame; ids[1] is the only eviction candidate.
	_, err = p.Fetch(ids[2])
	require.NoError(t, err)
	require.True(t, p.Resident(ids[0]), "pinned page must not be evicted")
	require.False(t, p.Resident(ids[1]))

	p.Unpin(ids[0])
	p.Unpin(ids[2])
}

func TestPool_AllPinnedFails(t *testing.T) {
	p, pf := newTestPool(t, 2)
	ids := allocPages(t, pf, 3)

	_, err := p.Fetch(ids[0])
	require.NoError(t, err)
	_, err = p.Fetch(ids[1])
	require.NoError(t, err)

	_, err = p.Fetch(ids[2])
	require.ErrorIs(t, err, ErrNoFreeFrame)

	p.Unpin(ids[0])
	p.Unpin(ids[1])
}

func TestPool_DirtyWriteBackOnEviction(t *testing.T) {
	p, pf := newTestPool(t, 1)
	ids := allocPages(t, pf, 2)

	pg, err := p.FetchForWrite(ids[0])
	require.NoError(t, err)
	require.NoError(t, pg.AppendSlot([]byte("k"), []byte("v")))
	want := append([]byte(nil), pg.Buf...)
	p.Unpin(ids[0])

	// Evicting the dirty frame must write it back first.
	_, err = p.Fetch(ids[1])
	require.NoError(t, err)
	p.Unpin(ids[1])

	got := make([]byte, testPageSize)
	require.NoError(t, pf.ReadPage(ids[0], got))
	require.Equal(t, want, got)
}

func TestPool_FlushAllClearsDirtyAndMatchesDisk(t *testing.T) {
	p, pf := newTestPool(t, 8)
	ids := allocPages(t, pf, 4)

	var want [][]byte
	for i, id := range ids {
		pg, err := p.FetchForWrite(id)
		require.NoError(t, err)
		require.NoError(t, pg.AppendSlot([]byte{byte('a' + i)}, []byte{byte(i)}))
		want = append(want, append([]byte(nil), pg.Buf...))
		p.Unpin(id)
	}
	require.Equal(t, 4, p.DirtyCount())

	require.NoError(t, p.FlushAll())
	require.Equal(t, 0, p.DirtyCount())

	// File bytes equal the resident frame bytes for every page.
	for i, id := range ids {
		got := make([]byte, testPageSize)
		require.NoError(t, pf.ReadPage(id, got))
		require.Equal(t, want[i], got)
	}
}

func TestPool_HybridEvictionPicksLeastRecent(t *testing.T) {
	p, pf := newTestPool(t, 4)
	ids := allocPages(t, pf, 5)

	// Deterministic clock: each access one second apart.
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	p.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	// Load pages 1..4 once each at different times, no pins held.
	for _, id := range ids[:4] {
		_, err := p.Fetch(id)
		require.NoError(t, err)
		p.Unpin(id)
	}

	// All access counts equal: the least-recently-used frame has the
	// lowest score and is evicted.
	_, err := p.Fetch(ids[4])
	require.NoError(t, err)
	p.Unpin(ids[4])

	require.False(t, p.Resident(ids[0]), "least-recent page should be evicted")
	for _, id := range ids[1:] {
		require.True(t, p.Resident(id))
	}
}

func TestPool_FrequencyWeighsAgainstEviction(t *testing.T) {
	p, pf := newTestPool(t, 2)
	ids := allocPages(t, pf, 3)

	base := time.Unix(1_700_000_000, 0)
	tick := 0
	p.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	// ids[0] accessed many times, ids[1] once; with near-identical
	// recency the frequency term decides.
	for i := 0; i < 10; i++ {
		_, err := p.Fetch(ids[0])
		require.NoError(t, err)
		p.Unpin(ids[0])
	}
	_, err := p.Fetch(ids[1])
	require.NoError(t, err)
	p.Unpin(ids[1])

	_, err = p.Fetch(ids[2])
	require.NoError(t, err)
	p.Unpin(ids[2])

	require.True(t, p.Resident(ids[0]))
	require.False(t, p.Resident(ids[1]))
}

func TestPool_NewPageIsPinnedAndDirty(t *testing.T) {
	p, pf := newTestPool(t, 4)

	pg, err := p.NewPage(storage.KindLeaf)
	require.NoError(t, err)
	require.Equal(t, storage.KindLeaf, pg.Kind())
	require.Equal(t, 1, p.DirtyCount())

	require.NoError(t, p.FlushAll())
	got := make([]byte, testPageSize)
	require.NoError(t, pf.ReadPage(pg.ID, got))
	require.Equal(t, pg.Buf, got)
	p.Unpin(pg.ID)
}

func TestPool_DeletePage(t *testing.T) {
	p, pf := newTestPool(t, 4)
	ids := allocPages(t, pf, 1)

	_, err := p.Fetch(ids[0])
	require.NoError(t, err)
	require.ErrorIs(t, p.DeletePage(ids[0]), ErrPagePinned)

	p.Unpin(ids[0])
	require.NoError(t, p.DeletePage(ids[0]))
	require.False(t, p.Resident(ids[0]))
}

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func newTestFile(t *testing.T) *PageFile {
	t.Helper()
	pf, err := OpenPageFile(filepath.Join(t.TempDir(), "test.db"), testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Close() })
	return pf
}

func TestPageFile_AllocateReadWrite(t *testing.T) {
	pf := newTestFile(t)

	id, err := pf.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageID(1), id, "page 0 is the meta page")

	buf := make([]byte, testPageSize)
	p := NewPage(id, buf)
	p.Reset(KindLeaf)
	require.NoError(t, p.AppendSlot([]byte("k"), []byte("v")))
	require.NoError(t, pf.WritePage(id, buf))

	got := make([]byte, testPageSize)
	require.NoError(t, pf.ReadPage(id, got))
	require.Equal(t, buf, got)
}

func TestPageFile_ReadBeyondEnd(t *testing.T) {
	pf := newTestFile(t)

	buf := make([]byte, testPageSize)
	err := pf.ReadPage(99, buf)
	require.ErrorIs(t, err, ErrPageNotFound)
}

func TestPageFile_BadBufferLength(t *testing.T) {
	pf := newTestFile(t)
	require.ErrorIs(t, pf.ReadPage(0, make([]byte, 10)), ErrBadPageSize)
	require.ErrorIs(t, pf.WritePage(0, make([]byte, 10)), ErrBadPageSize)
}

func TestPageFile_FreeListReuse(t *testing.T) {
	pf := newTestFile(t)

	a, err := pf.AllocatePage()
	require.NoError(t, err)
	b, err := pf.AllocatePage()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, pf.FreePage(a))
	require.NoError(t, pf.FreePage(b))

	// LIFO reuse off the free list.
	c, err := pf.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, b, c)
	d, err := pf.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, a, d)

	// List drained: the next allocation grows the file.
	e, err := pf.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageID(3), e)
}

func TestPageFile_FreeListSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pf, err := OpenPageFile(path, testPageSize)
	require.NoError(t, err)
	a, err := pf.AllocatePage()
	require.NoError(t, err)
	_, err = pf.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, pf.FreePage(a))
	require.NoError(t, pf.Close())

	pf2, err := OpenPageFile(path, testPageSize)
	require.NoError(t, err)
	defer func() { _ = pf2.Close() }()

	got, err := pf2.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestPageFile_TornTailDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pf, err := OpenPageFile(path, testPageSize)
	require.NoError(t, err)
	_, err = pf.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, pf.Close())

	// Simulate a crash mid-growth: half a page dangling at the end.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, testPageSize/2))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	pf2, err := OpenPageFile(path, testPageSize)
	require.NoError(t, err)
	defer func() { _ = pf2.Close() }()
	require.Equal(t, uint64(2), pf2.PageCount())

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(2*testPageSize), st.Size())
}

func TestPageFile_RegistryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pf, err := OpenPageFile(path, testPageSize)
	require.NoError(t, err)
	blob := []byte("registry-bytes")
	require.NoError(t, pf.SetRegistry(blob))
	require.NoError(t, pf.Close())

	pf2, err := OpenPageFile(path, testPageSize)
	require.NoError(t, err)
	defer func() { _ = pf2.Close() }()
	require.Equal(t, blob, pf2.Registry())
}

func TestPageFile_WrongPageSizeRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	pf, err := OpenPageFile(path, testPageSize)
	require.NoError(t, err)
	require.NoError(t, pf.Close())

	_, err = OpenPageFile(path, 8192)
	require.Error(t, err)
}

func TestPage_SlotDirectory(t *testing.T) {
	buf := make([]byte, testPageSize)
	p := NewPage(7, buf)
	p.Reset(KindLeaf)

	require.NoError(t, p.AppendSlot([]byte("alpha"), []byte("1")))
	require.NoError(t, p.AppendSlot([]byte("beta"), []byte("22")))

	require.Equal(t, 2, p.SlotCount())
	require.Equal(t, []byte("alpha"), p.SlotKey(0))
	require.Equal(t, []byte("1"), p.SlotValue(0))
	require.Equal(t, []byte("beta"), p.SlotKey(1))
	require.Equal(t, []byte("22"), p.SlotValue(1))
	require.NoError(t, p.Validate())
}

func TestPage_SiblingAndLSN(t *testing.T) {
	buf := make([]byte, testPageSize)
	p := NewPage(1, buf)
	p.Reset(KindLeaf)

	require.Equal(t, NullPage, p.RightSibling())
	p.SetRightSibling(42)
	p.SetLSN(9)
	require.Equal(t, PageID(42), p.RightSibling())
	require.Equal(t, uint64(9), p.LSN())
}

func TestPage_ValidateRejectsGarbage(t *testing.T) {
	buf := make([]byte, testPageSize)
	for i := range buf {
		buf[i] = 0xAB
	}
	p := NewPage(3, buf)
	err := p.Validate()
	require.Error(t, err)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, PageID(3), ce.PageID)
}

func TestOverflow_RoundTrip(t *testing.T) {
	pf := newTestFile(t)
	om := NewOverflowManager(pf)

	// Spans several pages.
	value := make([]byte, 3*testPageSize)
	for i := range value {
		value[i] = byte(i % 251)
	}

	ref, err := om.Write(value)
	require.NoError(t, err)
	require.Equal(t, uint32(len(value)), ref.Length)

	got, err := om.Read(ref)
	require.NoError(t, err)
	require.Equal(t, value, got)

	// Freeing returns the chain to the free list for reuse.
	require.NoError(t, om.Free(ref))
	before := pf.PageCount()
	id, err := pf.AllocatePage()
	require.NoError(t, err)
	require.Less(t, uint64(id), before, "allocation should reuse a freed chain page")
	require.Equal(t, before, pf.PageCount(), "file must not grow while the free list has pages")
}

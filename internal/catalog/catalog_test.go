package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novastore/internal/storage"
)

func newTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cat.db")
	pf, err := storage.OpenPageFile(path, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Close() })

	c, err := Open(pf)
	require.NoError(t, err)
	return c, path
}

func TestCatalog_RegisterAndLookup(t *testing.T) {
	c, _ := newTestCatalog(t)

	m, err := c.RegisterIndex(IndexMeta{
		Name:           "users_by_dept",
		Table:          "users",
		Columns:        []string{"dept_id", "salary"},
		Unique:         false,
		ComponentCount: 2,
		Order:          128,
		Root:           3,
		Height:         1,
	})
	require.NoError(t, err)
	require.Equal(t, IndexID(1), m.ID)

	got, err := c.LookupIndex("users_by_dept")
	require.NoError(t, err)
	require.Equal(t, m, got)

	_, err = c.LookupIndex("missing")
	require.ErrorIs(t, err, ErrIndexNotFound)

	_, err = c.RegisterIndex(IndexMeta{Name: "users_by_dept"})
	require.ErrorIs(t, err, ErrIndexExists)

	_, err = c.RegisterIndex(IndexMeta{})
	require.ErrorIs(t, err, ErrIndexBadName)
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.db")
	pf, err := storage.OpenPageFile(path, 4096)
	require.NoError(t, err)

	c, err := Open(pf)
	require.NoError(t, err)
	_, err = c.RegisterIndex(IndexMeta{
		Name: "a", Table: "t", Columns: []string{"x"},
		Unique: true, ComponentCount: 1, Order: 64, Root: 1, Height: 1,
	})
	require.NoError(t, err)
	require.NoError(t, c.SaveRoot("a", 9, 3))
	require.NoError(t, pf.Close())

	pf2, err := storage.OpenPageFile(path, 4096)
	require.NoError(t, err)
	defer func() { _ = pf2.Close() }()

	c2, err := Open(pf2)
	require.NoError(t, err)
	got, err := c2.LookupIndex("a")
	require.NoError(t, err)
	require.Equal(t, storage.PageID(9), got.Root)
	require.Equal(t, 3, got.Height)
	require.True(t, got.Unique)
	require.Equal(t, []string{"x"}, got.Columns)

	// IDs continue past the loaded records.
	m, err := c2.RegisterIndex(IndexMeta{Name: "b", Order: 64})
	require.NoError(t, err)
	require.Equal(t, IndexID(2), m.ID)
}

func TestCatalog_DropIndex(t *testing.T) {
	c, _ := newTestCatalog(t)

	_, err := c.RegisterIndex(IndexMeta{Name: "tmp", Order: 64})
	require.NoError(t, err)
	require.NoError(t, c.DropIndex("tmp"))
	_, err = c.LookupIndex("tmp")
	require.ErrorIs(t, err, ErrIndexNotFound)
	require.ErrorIs(t, c.DropIndex("tmp"), ErrIndexNotFound)
}

func TestCatalog_SaveRootUnknownIndex(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.ErrorIs(t, c.SaveRoot("nope", 1, 1), ErrIndexNotFound)
}

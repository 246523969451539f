package catalog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tuannm99/novastore/internal/alias/bx"
	"github.com/tuannm99/novastore/internal/storage"
)

var (
	ErrIndexNotFound = errors.New("catalog: index not found")
	ErrIndexExists   = errors.New("catalog: index already exists")
	ErrIndexBadName  = errors.New("catalog: invalid index name")
	ErrBadRegistry   = errors.New("catalog: malformed registry blob")
)

// IndexID identifies one index inside a store file.
type IndexID uint32

// IndexMeta is the persisted catalog record of one index.
type IndexMeta struct {
	ID             IndexID
	Name           string
	Table          string
	Columns        []string
	Unique         bool
	ComponentCount int
	Order          int
	Root           storage.PageID
	Height         int
}

// Catalog is the index registry persisted through the page file's meta
// page. The full schema catalog is a collaborator; this is only the
// register/lookup hook the storage core exposes.
type Catalog struct {
	mu     sync.Mutex
	pf     *storage.PageFile
	byName map[string]*IndexMeta
	nextID IndexID
}

// Open loads the registry from the meta page.
func Open(pf *storage.PageFile) (*Catalog, error) {
	c := &Catalog{pf: pf, byName: make(map[string]*IndexMeta), nextID: 1}
	if err := c.decode(pf.Registry()); err != nil {
		return nil, err
	}
	return c, nil
}

// RegisterIndex assigns an id and persists the record.
func (c *Catalog) RegisterIndex(meta IndexMeta) (IndexMeta, error) {
	if meta.Name == "" {
		return IndexMeta{}, ErrIndexBadName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[meta.Name]; ok {
		return IndexMeta{}, ErrIndexExists
	}
	meta.ID = c.nextID
	c.nextID++

	m := meta
	c.byName[meta.Name] = &m
	if err := c.persistLocked(); err != nil {
		delete(c.byName, meta.Name)
		return IndexMeta{}, err
	}
	return meta, nil
}

// LookupIndex returns the record registered under name.
func (c *Catalog) LookupIndex(name string) (IndexMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byName[name]
	if !ok {
		return IndexMeta{}, ErrIndexNotFound
	}
	return *m, nil
}

// SaveRoot persists a root/height change of a registered index; wired
// into the tree's meta-change callback.
func (c *Catalog) SaveRoot(name string, root storage.PageID, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byName[name]
	if !ok {
		return ErrIndexNotFound
	}
	m.Root = root
	m.Height = height
	return c.persistLocked()
}

// DropIndex removes a record from the registry. The tree's pages are the
// caller's business.
func (c *Catalog) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[name]; !ok {
		return ErrIndexNotFound
	}
	delete(c.byName, name)
	return c.persistLocked()
}

// List returns every registered record.
func (c *Catalog) List() []IndexMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]IndexMeta, 0, len(c.byName))
	for _, m := range c.byName {
		out = append(out, *m)
	}
	return out
}

// ---- registry blob codec ----

func (c *Catalog) persistLocked() error {
	return c.pf.SetRegistry(c.encodeLocked())
}

func (c *Catalog) encodeLocked() []byte {
	var out []byte
	putU16 := func(v uint16) {
		var b [2]byte
		bx.PutU16(b[:], v)
		out = append(out, b[:]...)
	}
	putU32 := func(v uint32) {
		var b [4]byte
		bx.PutU32(b[:], v)
		out = append(out, b[:]...)
	}
	putU64 := func(v uint64) {
		var b [8]byte
		bx.PutU64(b[:], v)
		out = append(out, b[:]...)
	}
	putStr := func(s string) {
		putU16(uint16(len(s)))
		out = append(out, s...)
	}

	putU16(uint16(len(c.byName)))
	for _, m := range c.byName {
		putU32(uint32(m.ID))
		putU64(uint64(m.Root))
		putU16(uint16(m.Height))
		putU32(uint32(m.Order))
		if m.Unique {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = append(out, byte(m.ComponentCount))
		putStr(m.Name)
		putStr(m.Table)
		out = append(out, byte(len(m.Columns)))
		for _, col := range m.Columns {
			putStr(col)
		}
	}
	return out
}

func (c *Catalog) decode(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	off := 0
	need := func(n int) error {
		if off+n > len(blob) {
			return fmt.Errorf("%w: truncated at offset %d", ErrBadRegistry, off)
		}
		return nil
	}
	getU16 := func() uint16 { v := bx.U16(blob[off:]); off += 2; return v }
	getU32 := func() uint32 { v := bx.U32(blob[off:]); off += 4; return v }
	getU64 := func() uint64 { v := bx.U64(blob[off:]); off += 8; return v }
	getStr := func() (string, error) {
		if err := need(2); err != nil {
			return "", err
		}
		n := int(getU16())
		if err := need(n); err != nil {
			return "", err
		}
		s := string(blob[off : off+n])
		off += n
		return s, nil
	}

	if err := need(2); err != nil {
		return err
	}
	count := int(getU16())
	for i := 0; i < count; i++ {
		if err := need(4 + 8 + 2 + 4 + 1 + 1); err != nil {
			return err
		}
		m := IndexMeta{}
		m.ID = IndexID(getU32())
		m.Root = storage.PageID(getU64())
		m.Height = int(getU16())
		m.Order = int(getU32())
		m.Unique = blob[off] == 1
		off++
		m.ComponentCount = int(blob[off])
		off++

		var err error
		if m.Name, err = getStr(); err != nil {
			return err
		}
		if m.Table, err = getStr(); err != nil {
			return err
		}
		if err := need(1); err != nil {
			return err
		}
		ncols := int(blob[off])
		off++
		for j := 0; j < ncols; j++ {
			col, err := getStr()
			if err != nil {
				return err
			}
			m.Columns = append(m.Columns, col)
		}

		mm := m
		c.byName[m.Name] = &mm
		if m.ID >= c.nextID {
			c.nextID = m.ID + 1
		}
	}
	return nil
}

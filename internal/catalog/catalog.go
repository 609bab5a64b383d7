// Package catalog is the thin descriptor arena mapping table and index
// descriptors to storage/index/executor objects (spec §2, "Catalog-Facing
// Glue"; §9, "an arena of catalog descriptors owned by the database
// handle, referenced by stable ids").
package catalog

import (
	"fmt"
	"sync"

	"github.com/relkit/coredb/internal/types"
)

// TableID and IndexID are stable handles operators carry instead of
// pointers or shared-ownership references (spec §9).
type TableID uint32
type IndexID uint32

// TableDesc describes a heap table: its schema and the virtual file id
// backing it (spec §4.3: "Required catalog fields: (file_id, is_varlen,
// is_system_flag)").
type TableDesc struct {
	ID       TableID
	Name     string
	Schema   *types.Schema
	FileID   uint32
	IsSystem bool
}

// IndexDesc describes a B+Tree secondary index over a table: which table
// columns form the key, in what order, and whether duplicate non-null
// keys are rejected (spec §4.5).
type IndexDesc struct {
	ID        IndexID
	Name      string
	TableID   TableID
	FileID    uint32
	KeyCols   []int // indices into the table's Schema.Fields
	KeySchema *types.Schema
	Unique    bool
}

// Catalog is the descriptor arena. It is not a general system catalog
// (parsing, DDL, persistence of catalog metadata are out of scope, per
// spec §1); it exists so executor nodes can hold small ids rather than
// pointers into a shared-ownership graph.
type Catalog struct {
	mu      sync.RWMutex
	tables  map[TableID]*TableDesc
	indexes map[IndexID]*IndexDesc
	byTable map[TableID][]IndexID
	nextTab TableID
	nextIdx IndexID
}

func New() *Catalog {
	return &Catalog{
		tables:  make(map[TableID]*TableDesc),
		indexes: make(map[IndexID]*IndexDesc),
		byTable: make(map[TableID][]IndexID),
	}
}

// RegisterTable assigns a fresh TableID to desc and stores it.
func (c *Catalog) RegisterTable(desc TableDesc) TableID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTab++
	desc.ID = c.nextTab
	d := desc
	c.tables[d.ID] = &d
	return d.ID
}

// RegisterIndex assigns a fresh IndexID to desc and stores it.
func (c *Catalog) RegisterIndex(desc IndexDesc) IndexID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIdx++
	desc.ID = c.nextIdx
	d := desc
	c.indexes[d.ID] = &d
	c.byTable[d.TableID] = append(c.byTable[d.TableID], d.ID)
	return d.ID
}

// Table looks up a table descriptor; fatal if unknown, matching the
// source's assumption that catalog lookups of ids an operator was
// constructed with never fail in a consistent catalog.
func (c *Catalog) Table(id TableID) *TableDesc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tables[id]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown table id %d", id))
	}
	return d
}

// Index looks up an index descriptor; fatal if unknown.
func (c *Catalog) Index(id IndexID) *IndexDesc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.indexes[id]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown index id %d", id))
	}
	return d
}

// IndexesOf returns the indexes registered against table id, in
// registration order.
func (c *Catalog) IndexesOf(id TableID) []IndexID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]IndexID(nil), c.byTable[id]...)
}

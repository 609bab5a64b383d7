// Package dbkernel wires the storage layer (fileman + buffer), the
// descriptor arena (catalog), and the scalar/aggregate function
// registries into one handle, the way the teacher's pager package's
// backend.go glues a file, a pool, and a catalog together behind one
// type (spec §2, "Catalog-Facing Glue"). Persistent catalog storage is
// out of scope (spec §1): Open reattaches storage only, and the caller
// re-registers any tables/indexes it needs by file id.
package dbkernel

import (
	"github.com/relkit/coredb/internal/catalog"
	"github.com/relkit/coredb/internal/exec"
	"github.com/relkit/coredb/internal/index/btree"
	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/storage/heap"
	"github.com/relkit/coredb/internal/types"
)

// Config bundles the knobs a Database needs to open its storage layer,
// mirroring the teacher's PagerConfig/BufferPoolConfig pairing.
type Config struct {
	Dir        string
	PoolFrames int
}

func DefaultConfig(dir string) Config {
	return Config{Dir: dir, PoolFrames: buffer.DefaultConfig().Frames}
}

// Database is the database-wide handle operators are built against: one
// fileman.Manager, one buffer.Pool, one Catalog, and the two function
// registries every expression tree resolves against at construction
// time (spec §4.7, §9).
type Database struct {
	mgr  *fileman.Manager
	pool *buffer.Pool
	cat  *catalog.Catalog

	Funcs *catalog.FuncRegistry
	Aggs  *catalog.AggRegistry

	tables  map[catalog.TableID]*heap.Table
	indexes map[catalog.IndexID]*btree.BTree
}

func newDatabase(mgr *fileman.Manager, cfg Config) *Database {
	pool := buffer.New(buffer.Config{Frames: cfg.PoolFrames}, mgr)
	mgr.AttachPool(pool)
	return &Database{
		mgr:     mgr,
		pool:    pool,
		cat:     catalog.New(),
		Funcs:   catalog.NewFuncRegistry(),
		Aggs:    catalog.NewAggRegistry(),
		tables:  make(map[catalog.TableID]*heap.Table),
		indexes: make(map[catalog.IndexID]*btree.BTree),
	}
}

// Create initializes a fresh database directory.
func Create(cfg Config) (*Database, error) {
	mgr, err := fileman.Create(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return newDatabase(mgr, cfg), nil
}

// Open reattaches storage to an existing database directory. The
// catalog starts empty; callers re-register known tables/indexes with
// OpenTable/OpenIndex using their remembered file ids.
func Open(cfg Config) (*Database, error) {
	mgr, err := fileman.Open(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return newDatabase(mgr, cfg), nil
}

// Close flushes and closes the underlying storage manager.
func (db *Database) Close() error { return db.mgr.Close() }

// CreateTable allocates a fresh heap file, initializes it, and
// registers it in the catalog under name.
func (db *Database) CreateTable(name string, schema *types.Schema) (catalog.TableID, error) {
	f, err := db.mgr.CreateFile(false)
	if err != nil {
		return 0, err
	}
	tbl, err := heap.Initialize(f)
	if err != nil {
		return 0, err
	}
	id := db.cat.RegisterTable(catalog.TableDesc{Name: name, Schema: schema, FileID: f.ID()})
	db.tables[id] = tbl
	return id, nil
}

// OpenTable reattaches an existing heap file (from a prior Create) by
// its remembered file id, registering it in the catalog under name.
func (db *Database) OpenTable(name string, fileID uint32, schema *types.Schema) (catalog.TableID, error) {
	f, err := db.mgr.OpenFile(fileID)
	if err != nil {
		return 0, err
	}
	tbl := heap.Open(f)
	id := db.cat.RegisterTable(catalog.TableDesc{Name: name, Schema: schema, FileID: fileID})
	db.tables[id] = tbl
	return id, nil
}

// Table returns the heap table registered under id.
func (db *Database) Table(id catalog.TableID) *heap.Table { return db.tables[id] }

// TableDesc returns the catalog descriptor registered under id.
func (db *Database) TableDesc(id catalog.TableID) *catalog.TableDesc { return db.cat.Table(id) }

func buildKeySchema(tableSchema *types.Schema, keyCols []int) *types.Schema {
	fields := make([]types.FieldDesc, len(keyCols))
	for i, c := range keyCols {
		fields[i] = tableSchema.Fields[c]
	}
	return &types.Schema{Fields: fields}
}

// CreateIndex allocates a fresh B+Tree file over tableID's key columns
// and registers it in the catalog under name.
func (db *Database) CreateIndex(name string, tableID catalog.TableID, keyCols []int, unique bool) (catalog.IndexID, error) {
	tdesc := db.cat.Table(tableID)
	f, err := db.mgr.CreateFile(false)
	if err != nil {
		return 0, err
	}
	keySchema := buildKeySchema(tdesc.Schema, keyCols)
	bt, err := btree.Initialize(f, keySchema, unique)
	if err != nil {
		return 0, err
	}
	id := db.cat.RegisterIndex(catalog.IndexDesc{
		Name: name, TableID: tableID, FileID: f.ID(),
		KeyCols: keyCols, KeySchema: keySchema, Unique: unique,
	})
	db.indexes[id] = bt
	return id, nil
}

// OpenIndex reattaches an existing B+Tree file by its remembered file id.
func (db *Database) OpenIndex(name string, tableID catalog.TableID, fileID uint32, keyCols []int, unique bool) (catalog.IndexID, error) {
	tdesc := db.cat.Table(tableID)
	f, err := db.mgr.OpenFile(fileID)
	if err != nil {
		return 0, err
	}
	keySchema := buildKeySchema(tdesc.Schema, keyCols)
	bt, err := btree.Open(f, keySchema, unique)
	if err != nil {
		return 0, err
	}
	id := db.cat.RegisterIndex(catalog.IndexDesc{
		Name: name, TableID: tableID, FileID: fileID,
		KeyCols: keyCols, KeySchema: keySchema, Unique: unique,
	})
	db.indexes[id] = bt
	return id, nil
}

// Index returns the B+Tree registered under id.
func (db *Database) Index(id catalog.IndexID) *btree.BTree { return db.indexes[id] }

// IndexHandles builds the exec.IndexHandle list TableInsert/TableDelete
// need to keep every secondary index on tableID in sync.
func (db *Database) IndexHandles(tableID catalog.TableID) []exec.IndexHandle {
	ids := db.cat.IndexesOf(tableID)
	out := make([]exec.IndexHandle, len(ids))
	for i, id := range ids {
		desc := db.cat.Index(id)
		out[i] = exec.IndexHandle{BTree: db.indexes[id], KeyCols: desc.KeyCols}
	}
	return out
}

// FileManager exposes the underlying manager for components that need
// it directly, such as internal/exec's Sort operator (external sort
// scratch space).
func (db *Database) FileManager() *fileman.Manager { return db.mgr }

// Run drives op to completion (Init, repeated NextTuple/GetRecord, Close)
// and returns the materialized rows. It is the top-level recovery
// boundary spec §7 calls for: any kernelerr.Fatal raised while driving
// op (e.g. a programming-contract violation deeper in the plan tree) is
// recovered into the returned error instead of crashing the caller.
func (db *Database) Run(op exec.Operator) (rows [][]types.Datum, err error) {
	defer kernelerr.Recover(&err)
	if err = op.Init(); err != nil {
		return nil, err
	}
	defer op.Close()
	for {
		ok, nerr := op.NextTuple()
		if nerr != nil {
			return rows, nerr
		}
		if !ok {
			return rows, nil
		}
		rec := op.GetRecord()
		row := make([]types.Datum, len(rec))
		for i, r := range rec {
			row[i] = r.Deref()
		}
		rows = append(rows, row)
	}
}

// SavePosition captures op's cursor. op.SavePosition is fatal (a
// kernelerr.Panic) for operators spec §4.8 never asks to participate in
// a merge join or index-nested-loop join, such as TableInsert and
// TableDelete; this entry point is the recovery boundary that turns
// that into a plain error for callers driving arbitrary plan trees
// (spec §7).
func (db *Database) SavePosition(op exec.Operator) (pos types.Datum, err error) {
	defer kernelerr.Recover(&err)
	return op.SavePosition()
}

// RewindTo restores op's cursor to pos, recovering the same
// unsupported-positioning panic SavePosition does (spec §7).
func (db *Database) RewindTo(op exec.Operator, pos types.Datum) (found bool, err error) {
	defer kernelerr.Recover(&err)
	return op.RewindTo(pos)
}

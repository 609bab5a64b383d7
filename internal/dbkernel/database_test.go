package dbkernel

import (
	"testing"

	"github.com/relkit/coredb/internal/exec"
	"github.com/relkit/coredb/internal/types"
)

func testSchema() *types.Schema {
	return &types.Schema{Fields: []types.FieldDesc{{Name: "k", Type: types.Int64}}}
}

func TestCreateTableAndIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sch := testSchema()
	tid, err := db.CreateTable("t", sch)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	iid, err := db.CreateIndex("t_k", tid, []int{0}, true)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}

	tbl := db.Table(tid)
	if tbl == nil {
		t.Fatalf("table not registered")
	}
	if db.Index(iid) == nil {
		t.Fatalf("index not registered")
	}

	handles := db.IndexHandles(tid)
	if len(handles) != 1 || handles[0].KeyCols[0] != 0 {
		t.Fatalf("unexpected index handles: %+v", handles)
	}

	src := exec.NewTempTable(sch, [][]types.Datum{{types.FromInt64(1)}, {types.FromInt64(2)}})
	ins := exec.NewTableInsert(src, sch, tbl, handles)
	if err := ins.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	ok, err := ins.NextTuple()
	if err != nil || !ok {
		t.Fatalf("next_tuple: ok=%v err=%v", ok, err)
	}
	if ins.GetRecord()[0].Int64() != 2 {
		t.Fatalf("insert count: got %d want 2", ins.GetRecord()[0].Int64())
	}

	if _, found, err := db.Index(iid).Lookup([]types.DatumRef{types.FromInt64(1).Ref()}); err != nil || !found {
		t.Fatalf("lookup 1: found=%v err=%v", found, err)
	}
}

// TestSavePositionRecoversUnsupportedPositioning drives TableInsert's
// save_position, which is fatal by spec (TableInsert never participates
// in a merge join or index-nested-loop join), through Database's
// recovery boundary and asserts the panic surfaces as a plain error
// rather than crashing the test binary.
func TestSavePositionRecoversUnsupportedPositioning(t *testing.T) {
	dir := t.TempDir()
	db, err := Create(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sch := testSchema()
	tid, err := db.CreateTable("t", sch)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	tbl := db.Table(tid)
	handles := db.IndexHandles(tid)

	src := exec.NewTempTable(sch, [][]types.Datum{{types.FromInt64(1)}})
	ins := exec.NewTableInsert(src, sch, tbl, handles)
	if err := ins.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := db.SavePosition(ins); err == nil {
		t.Fatalf("expected save_position on TableInsert to come back as an error")
	}

	if _, _, err := db.RewindTo(ins, types.FromInt64(0)); err == nil {
		t.Fatalf("expected rewind(pos) on TableInsert to come back as an error")
	}
}

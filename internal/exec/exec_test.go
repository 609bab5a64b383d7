package exec

import (
	"fmt"
	"testing"

	"github.com/relkit/coredb/internal/catalog"
	"github.com/relkit/coredb/internal/expr"
	"github.com/relkit/coredb/internal/index/btree"
	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/storage/heap"
	"github.com/relkit/coredb/internal/types"
)

func openTestMgr(t *testing.T) *fileman.Manager {
	t.Helper()
	dir := t.TempDir()
	mgr, err := fileman.Create(dir)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	pool := buffer.New(buffer.Config{Frames: 64}, mgr)
	mgr.AttachPool(pool)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func twoColSchema() *types.Schema {
	return &types.Schema{Fields: []types.FieldDesc{
		{Name: "f0", Type: types.Int64},
		{Name: "f1", Type: types.Varchar},
	}}
}

func oneColSchema() *types.Schema {
	return &types.Schema{Fields: []types.FieldDesc{{Name: "k", Type: types.Int64}}}
}

func newHeapTable(t *testing.T, mgr *fileman.Manager) *heap.Table {
	t.Helper()
	f, err := mgr.CreateFile(false)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	tbl, err := heap.Initialize(f)
	if err != nil {
		t.Fatalf("initialize table: %v", err)
	}
	return tbl
}

func insertRows(t *testing.T, tbl *heap.Table, sch *types.Schema, rows [][]types.Datum) {
	t.Helper()
	for _, r := range rows {
		if _, err := tbl.InsertRecord(sch.WritePayload(nil, r)); err != nil {
			t.Fatalf("insert record: %v", err)
		}
	}
}

func drain(t *testing.T, op Operator) [][]types.Datum {
	t.Helper()
	if err := op.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	var out [][]types.Datum
	for {
		ok, err := op.NextTuple()
		if err != nil {
			t.Fatalf("next_tuple: %v", err)
		}
		if !ok {
			break
		}
		rec := op.GetRecord()
		row := make([]types.Datum, len(rec))
		for i, r := range rec {
			row[i] = r.Deref()
		}
		out = append(out, row)
	}
	if err := op.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return out
}

// assertSavePositionRoundTrip exercises invariant 8: after save_position,
// advancing the operator further and then rewinding to the saved
// position must reproduce the exact same record.
func assertSavePositionRoundTrip(t *testing.T, op Operator) {
	t.Helper()
	if err := op.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	ok, err := op.NextTuple()
	if err != nil || !ok {
		t.Fatalf("next_tuple: ok=%v err=%v", ok, err)
	}
	want := cloneRec(op.GetRecord())

	pos, err := op.SavePosition()
	if err != nil {
		t.Fatalf("save_position: %v", err)
	}

	for i := 0; i < 3; i++ {
		if ok, err := op.NextTuple(); err != nil {
			t.Fatalf("advance: %v", err)
		} else if !ok {
			break
		}
	}

	ok, err = op.RewindTo(pos)
	if err != nil {
		t.Fatalf("rewind(pos): %v", err)
	}
	if !ok {
		t.Fatalf("rewind(pos): expected success")
	}
	got := op.GetRecord()
	if !recEqual(want, got) {
		t.Fatalf("rewind(pos) record mismatch: want %v got %v", want, got)
	}
	if err := op.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func cloneRec(rec []types.NullableDatumRef) []types.Datum {
	out := make([]types.Datum, len(rec))
	for i, r := range rec {
		out[i] = r.Deref()
	}
	return out
}

func recEqual(want []types.Datum, got []types.NullableDatumRef) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		g := got[i].Deref()
		if want[i].IsNull() != g.IsNull() {
			return false
		}
		if want[i].IsNull() {
			continue
		}
		if types.Compare(want[i].Ref(), g.Ref()) != 0 {
			return false
		}
	}
	return true
}

func TestTableScanHolesExcluded(t *testing.T) {
	mgr := openTestMgr(t)
	sch := twoColSchema()
	tbl := newHeapTable(t, mgr)

	const n = 500
	for i := int64(0); i < n; i++ {
		rid, err := tbl.InsertRecord(sch.WritePayload(nil, []types.Datum{types.FromInt64(i), types.FromVarchar(fmt.Sprintf("%d", i*10))}))
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if i%7 == 0 {
			if err := tbl.EraseRecord(rid); err != nil {
				t.Fatalf("erase %d: %v", i, err)
			}
		}
	}

	scan := NewTableScan(tbl, sch)
	rows := drain(t, scan)
	want := 0
	for i := int64(0); i < n; i++ {
		if i%7 != 0 {
			want++
		}
	}
	if len(rows) != want {
		t.Fatalf("got %d rows, want %d", len(rows), want)
	}
	for _, r := range rows {
		i := r[0].Int64()
		if i%7 == 0 {
			t.Fatalf("erased key %d present in scan", i)
		}
		if r[1].String() != fmt.Sprintf("%d", i*10) {
			t.Fatalf("row %d: bad f1 %q", i, r[1].String())
		}
	}
}

func TestSelectionRewindRoundTrip(t *testing.T) {
	mgr := openTestMgr(t)
	sch := twoColSchema()
	tbl := newHeapTable(t, mgr)
	var rows [][]types.Datum
	for i := int64(0); i < 50; i++ {
		rows = append(rows, []types.Datum{types.FromInt64(i), types.FromVarchar(fmt.Sprintf("v%d", i))})
	}
	insertRows(t, tbl, sch, rows)

	reg := catalog.NewFuncRegistry()
	scan := NewTableScan(tbl, sch)
	idx0, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	lit := expr.NewLiteral(types.FromInt64(10))
	pred, err := expr.NewBinaryOperator(reg, catalog.OpGe, idx0, lit)
	if err != nil {
		t.Fatalf("binary op: %v", err)
	}
	sel := NewSelection(scan, pred)
	assertSavePositionRoundTrip(t, sel)
}

func TestProjectionAndLimit(t *testing.T) {
	mgr := openTestMgr(t)
	sch := twoColSchema()
	tbl := newHeapTable(t, mgr)
	var rows [][]types.Datum
	for i := int64(0); i < 20; i++ {
		rows = append(rows, []types.Datum{types.FromInt64(i), types.FromVarchar(fmt.Sprintf("v%d", i))})
	}
	insertRows(t, tbl, sch, rows)

	scan := NewTableScan(tbl, sch)
	idx0, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	proj := NewProjection(scan, []expr.Expr{idx0})
	lim := NewLimit(proj, 5)

	got := drain(t, lim)
	if len(got) != 5 {
		t.Fatalf("got %d rows, want 5", len(got))
	}
	for i, r := range got {
		if r[0].Int64() != int64(i) {
			t.Fatalf("row %d: got %d", i, r[0].Int64())
		}
	}
}

func TestLimitRewindRespectsCount(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()
	tbl := newHeapTable(t, mgr)
	var rows [][]types.Datum
	for i := int64(0); i < 10; i++ {
		rows = append(rows, []types.Datum{types.FromInt64(i)})
	}
	insertRows(t, tbl, sch, rows)

	scan := NewTableScan(tbl, sch)
	lim := NewLimit(scan, 3)
	if err := lim.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	// advance past the limit: count reaches 3, so the saved position at
	// the 3rd tuple has count==3 which must fail to rewind.
	var lastPos types.Datum
	for i := 0; i < 3; i++ {
		ok, err := lim.NextTuple()
		if err != nil || !ok {
			t.Fatalf("next_tuple %d: ok=%v err=%v", i, ok, err)
		}
		lastPos, err = lim.SavePosition()
		if err != nil {
			t.Fatalf("save_position: %v", err)
		}
	}
	ok, err := lim.RewindTo(lastPos)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if ok {
		t.Fatalf("rewind succeeded at count==n, want failure")
	}
}

func TestSortOrdersByKeyDescending(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()
	tbl := newHeapTable(t, mgr)
	values := []int64{5, 1, 4, 2, 3}
	var rows [][]types.Datum
	for _, v := range values {
		rows = append(rows, []types.Datum{types.FromInt64(v)})
	}
	insertRows(t, tbl, sch, rows)

	idx0, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	scan := NewTableScan(tbl, sch)
	sorted := NewSort(scan, sch, []SortKey{{Expr: idx0, Desc: true}}, mgr, 4)
	got := drain(t, sorted)
	want := []int64{5, 4, 3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i][0].Int64() != w {
			t.Fatalf("row %d: got %d want %d", i, got[i][0].Int64(), w)
		}
	}
}

func TestSortRewindRoundTrip(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()
	tbl := newHeapTable(t, mgr)
	var rows [][]types.Datum
	for i := int64(20); i > 0; i-- {
		rows = append(rows, []types.Datum{types.FromInt64(i)})
	}
	insertRows(t, tbl, sch, rows)

	idx0, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	scan := NewTableScan(tbl, sch)
	sorted := NewSort(scan, sch, []SortKey{{Expr: idx0}}, mgr, 4)
	assertSavePositionRoundTrip(t, sorted)
}

func TestAggregationCountSumAvg(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()
	tbl := newHeapTable(t, mgr)
	var rows [][]types.Datum
	var sum int64
	for i := int64(1); i <= 10; i++ {
		rows = append(rows, []types.Datum{types.FromInt64(i)})
		sum += i
	}
	insertRows(t, tbl, sch, rows)

	idx0, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	aggReg := catalog.NewAggRegistry()
	countInfo, ok := aggReg.Lookup(catalog.AggCount, types.Invalid)
	if !ok {
		t.Fatalf("no count(*) registered")
	}
	sumInfo, ok := aggReg.Lookup(catalog.AggSum, types.Int64)
	if !ok {
		t.Fatalf("no sum(int64) registered")
	}
	avgInfo, ok := aggReg.Lookup(catalog.AggAvg, types.Int64)
	if !ok {
		t.Fatalf("no avg(int64) registered")
	}

	scan := NewTableScan(tbl, sch)
	agg := NewAggregation(scan, []AggSpec{
		{Arg: nil, Agg: countInfo},
		{Arg: idx0, Agg: sumInfo},
		{Arg: idx0, Agg: avgInfo},
	})

	if err := agg.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	ok, err = agg.NextTuple()
	if err != nil || !ok {
		t.Fatalf("next_tuple: ok=%v err=%v", ok, err)
	}
	rec := agg.GetRecord()
	if rec[0].Int64() != 10 {
		t.Fatalf("count: got %d want 10", rec[0].Int64())
	}
	if rec[1].Int64() != sum {
		t.Fatalf("sum: got %d want %d", rec[1].Int64(), sum)
	}
	if got, want := rec[2].Float64(), float64(sum)/10; got != want {
		t.Fatalf("avg: got %v want %v", got, want)
	}
	ok, err = agg.NextTuple()
	if err != nil {
		t.Fatalf("second next_tuple: %v", err)
	}
	if ok {
		t.Fatalf("aggregation emitted a second row")
	}
}

func TestAggregationRewindRoundTrip(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()
	tbl := newHeapTable(t, mgr)
	insertRows(t, tbl, sch, [][]types.Datum{{types.FromInt64(1)}, {types.FromInt64(2)}, {types.FromInt64(3)}})

	idx0, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	aggReg := catalog.NewAggRegistry()
	sumInfo, _ := aggReg.Lookup(catalog.AggSum, types.Int64)
	scan := NewTableScan(tbl, sch)
	agg := NewAggregation(scan, []AggSpec{{Arg: idx0, Agg: sumInfo}})
	assertSavePositionRoundTrip(t, agg)
}

func TestTableInsertAndDelete(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()
	tbl := newHeapTable(t, mgr)

	var src [][]types.Datum
	for i := int64(0); i < 5; i++ {
		src = append(src, []types.Datum{types.FromInt64(i)})
	}
	ins := NewTableInsert(NewTempTable(sch, src), sch, tbl, nil)
	if err := ins.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	ok, err := ins.NextTuple()
	if err != nil || !ok {
		t.Fatalf("next_tuple: ok=%v err=%v", ok, err)
	}
	if ins.GetRecord()[0].Int64() != 5 {
		t.Fatalf("insert count: got %d want 5", ins.GetRecord()[0].Int64())
	}

	scan := NewTableScan(tbl, sch)
	rows := drain(t, scan)
	if len(rows) != 5 {
		t.Fatalf("after insert: got %d rows, want 5", len(rows))
	}

	idx0, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	reg := catalog.NewFuncRegistry()
	lit := expr.NewLiteral(types.FromInt64(2))
	pred, err := expr.NewBinaryOperator(reg, catalog.OpLt, idx0, lit)
	if err != nil {
		t.Fatalf("binary op: %v", err)
	}
	del := NewTableDelete(tbl, sch, nil, pred)
	if err := del.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	ok, err = del.NextTuple()
	if err != nil || !ok {
		t.Fatalf("delete next_tuple: ok=%v err=%v", ok, err)
	}
	if del.GetRecord()[0].Int64() != 2 {
		t.Fatalf("delete count: got %d want 2", del.GetRecord()[0].Int64())
	}

	scan2 := NewTableScan(tbl, sch)
	remaining := drain(t, scan2)
	if len(remaining) != 3 {
		t.Fatalf("after delete: got %d rows, want 3", len(remaining))
	}
	for _, r := range remaining {
		if r[0].Int64() < 2 {
			t.Fatalf("deleted key %d still present", r[0].Int64())
		}
	}
}

func TestTableInsertSavePositionIsFatal(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()
	tbl := newHeapTable(t, mgr)
	ins := NewTableInsert(NewTempTable(sch, nil), sch, tbl, nil)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on save_position")
		}
	}()
	_, _ = ins.SavePosition()
}

func mergeJoinScenario(t *testing.T) (*MergeJoin, *fileman.Manager) {
	t.Helper()
	mgr := openTestMgr(t)
	sch := oneColSchema()

	outerTbl := newHeapTable(t, mgr)
	innerTbl := newHeapTable(t, mgr)

	outerKeys := []int64{2, 2, 3, 4, 4, 8, 10, 150, 150, 200}
	innerKeys := []int64{1, 2, 2, 4, 4, 7, 100, 100, 150, 150}
	for _, v := range outerKeys {
		if _, err := outerTbl.InsertRecord(sch.WritePayload(nil, []types.Datum{types.FromInt64(v)})); err != nil {
			t.Fatalf("insert outer: %v", err)
		}
	}
	for _, v := range innerKeys {
		if _, err := innerTbl.InsertRecord(sch.WritePayload(nil, []types.Datum{types.FromInt64(v)})); err != nil {
			t.Fatalf("insert inner: %v", err)
		}
	}

	idx0outer, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	idx0inner, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}

	outer := NewSort(NewTableScan(outerTbl, sch), sch, []SortKey{{Expr: idx0outer}}, mgr, 4)
	inner := NewSort(NewTableScan(innerTbl, sch), sch, []SortKey{{Expr: idx0inner}}, mgr, 4)

	join := NewMergeJoin(outer, inner, idx0outer, idx0inner)
	return join, mgr
}

func TestMergeJoinManyToMany(t *testing.T) {
	join, _ := mergeJoinScenario(t)
	rows := drain(t, join)
	if len(rows) != 12 {
		t.Fatalf("got %d rows, want 12", len(rows))
	}
	for _, r := range rows {
		if r[0].Int64() != r[1].Int64() {
			t.Fatalf("non-matching pair emitted: %v", r)
		}
	}
	counts := map[int64]int{}
	for _, r := range rows {
		counts[r[0].Int64()]++
	}
	if counts[2] != 4 || counts[4] != 4 || counts[150] != 4 {
		t.Fatalf("unexpected per-key counts: %v", counts)
	}
}

func TestMergeJoinRewindRoundTrip(t *testing.T) {
	join, _ := mergeJoinScenario(t)
	assertSavePositionRoundTrip(t, join)
}

func TestIndexNestedLoopRangeJoin(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()

	outerTbl := newHeapTable(t, mgr)
	outerKeys := []int64{2, 2, 3, 4, 4, 8, 10, 100, 100}
	for _, v := range outerKeys {
		if _, err := outerTbl.InsertRecord(sch.WritePayload(nil, []types.Datum{types.FromInt64(v)})); err != nil {
			t.Fatalf("insert outer: %v", err)
		}
	}

	innerTbl := newHeapTable(t, mgr)
	innerKeys := []int64{2, 3, 4, 7, 100, 150}
	idxFile, err := mgr.CreateFile(false)
	if err != nil {
		t.Fatalf("create index file: %v", err)
	}
	idx, err := btree.Initialize(idxFile, sch, false)
	if err != nil {
		t.Fatalf("initialize index: %v", err)
	}
	for _, v := range innerKeys {
		rid, err := innerTbl.InsertRecord(sch.WritePayload(nil, []types.Datum{types.FromInt64(v)}))
		if err != nil {
			t.Fatalf("insert inner: %v", err)
		}
		if _, err := idx.Insert([]types.DatumRef{types.FromInt64(v).Ref()}, rid); err != nil {
			t.Fatalf("index insert: %v", err)
		}
	}

	idx0outer, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	outer := NewTableScan(outerTbl, sch)
	join := NewIndexNestedLoop(outer, idx, innerTbl, sch,
		[]expr.Expr{idx0outer}, false, []expr.Expr{idx0outer}, false)

	rows := drain(t, join)
	want := 0
	for _, v := range outerKeys {
		for _, iv := range innerKeys {
			if v == iv {
				want++
			}
		}
	}
	if len(rows) != want {
		t.Fatalf("got %d rows, want %d", len(rows), want)
	}
	for _, r := range rows {
		if r[0].Int64() != r[1].Int64() {
			t.Fatalf("non-matching pair emitted: %v", r)
		}
	}
}

func TestIndexNestedLoopRewindRoundTrip(t *testing.T) {
	mgr := openTestMgr(t)
	sch := oneColSchema()
	outerTbl := newHeapTable(t, mgr)
	for _, v := range []int64{2, 4, 100} {
		if _, err := outerTbl.InsertRecord(sch.WritePayload(nil, []types.Datum{types.FromInt64(v)})); err != nil {
			t.Fatalf("insert outer: %v", err)
		}
	}
	innerTbl := newHeapTable(t, mgr)
	idxFile, err := mgr.CreateFile(false)
	if err != nil {
		t.Fatalf("create index file: %v", err)
	}
	idx, err := btree.Initialize(idxFile, sch, false)
	if err != nil {
		t.Fatalf("initialize index: %v", err)
	}
	for _, v := range []int64{2, 4, 100} {
		rid, err := innerTbl.InsertRecord(sch.WritePayload(nil, []types.Datum{types.FromInt64(v)}))
		if err != nil {
			t.Fatalf("insert inner: %v", err)
		}
		if _, err := idx.Insert([]types.DatumRef{types.FromInt64(v).Ref()}, rid); err != nil {
			t.Fatalf("index insert: %v", err)
		}
	}
	idx0outer, err := expr.NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable: %v", err)
	}
	outer := NewTableScan(outerTbl, sch)
	join := NewIndexNestedLoop(outer, idx, innerTbl, sch,
		[]expr.Expr{idx0outer}, false, []expr.Expr{idx0outer}, false)
	assertSavePositionRoundTrip(t, join)
}

func TestTempTable(t *testing.T) {
	sch := oneColSchema()
	rows := [][]types.Datum{{types.FromInt64(1)}, {types.FromInt64(2)}, {types.FromInt64(3)}}
	tt := NewTempTable(sch, rows)
	got := drain(t, tt)
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	assertSavePositionRoundTrip(t, NewTempTable(sch, rows))
}

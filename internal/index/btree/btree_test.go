package btree

import (
	"testing"

	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

func openTestTree(t *testing.T, unique bool) (*BTree, *fileman.Manager) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := fileman.Create(dir)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	pool := buffer.New(buffer.Config{Frames: 32}, mgr)
	mgr.AttachPool(pool)

	f, err := mgr.CreateFile(false)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	sch := &types.Schema{Fields: []types.FieldDesc{{Name: "k", Type: types.Int64}}}
	bt, err := Initialize(f, sch, unique)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return bt, mgr
}

func k(v int64) []types.DatumRef { return []types.DatumRef{types.FromInt64(v).Ref()} }

func TestBTreeInsertLookup(t *testing.T) {
	bt, _ := openTestTree(t, false)

	for i := int64(0); i < 500; i++ {
		ok, err := bt.Insert(k(i), page.RecordID{Page: page.ID(i), Slot: 1})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("insert %d: unexpected duplicate", i)
		}
	}

	for i := int64(0); i < 500; i++ {
		rid, found, err := bt.Lookup(k(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !found {
			t.Fatalf("lookup %d: not found", i)
		}
		if rid.Page != page.ID(i) {
			t.Fatalf("lookup %d: got rid %v", i, rid)
		}
	}

	if _, found, err := bt.Lookup(k(9999)); err != nil || found {
		t.Fatalf("lookup missing key: found=%v err=%v", found, err)
	}
}

func TestBTreeUniqueRejectsDuplicate(t *testing.T) {
	bt, _ := openTestTree(t, true)

	ok, err := bt.Insert(k(1), page.RecordID{Page: 1, Slot: 1})
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	ok, err = bt.Insert(k(1), page.RecordID{Page: 2, Slot: 1})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok {
		t.Fatalf("unique index accepted duplicate key")
	}
}

func TestBTreeDeleteShrinksAndLookupFails(t *testing.T) {
	bt, _ := openTestTree(t, false)

	const n = 800
	for i := int64(0); i < n; i++ {
		if _, err := bt.Insert(k(i), page.RecordID{Page: page.ID(i), Slot: 1}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	// delete every other key
	for i := int64(0); i < n; i += 2 {
		ok, err := bt.Delete(k(i), page.RecordID{Page: page.ID(i), Slot: 1})
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("delete %d: not found", i)
		}
	}

	for i := int64(0); i < n; i++ {
		_, found, err := bt.Lookup(k(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		want := i%2 != 0
		if found != want {
			t.Fatalf("lookup %d: found=%v want=%v", i, found, want)
		}
	}

	// re-deleting must report false, not crash or corrupt the tree
	ok, err := bt.Delete(k(0), page.RecordID{Page: 0, Slot: 1})
	if err != nil {
		t.Fatalf("re-delete: %v", err)
	}
	if ok {
		t.Fatalf("re-delete of absent key reported success")
	}
}

func TestBTreeRangeScan(t *testing.T) {
	bt, _ := openTestTree(t, false)

	const n = 300
	for i := int64(0); i < n; i++ {
		if _, err := bt.Insert(k(i), page.RecordID{Page: page.ID(i), Slot: 1}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	sc, err := bt.NewScan(Bound{Key: k(50)}, Bound{Key: k(100), Exclusive: true})
	if err != nil {
		t.Fatalf("new scan: %v", err)
	}
	defer sc.Close()

	var got []int64
	for {
		ok, err := sc.Next()
		if err != nil {
			t.Fatalf("scan next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, int64(sc.RecordID().Page))
	}
	if len(got) != 50 {
		t.Fatalf("range scan [50,100): got %d records, want 50", len(got))
	}
	for i, v := range got {
		if v != 50+int64(i) {
			t.Fatalf("range scan out of order at %d: got %d", i, v)
		}
	}
}

func TestBTreeBulkloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr, err := fileman.Create(dir)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	pool := buffer.New(buffer.Config{Frames: 32}, mgr)
	mgr.AttachPool(pool)
	f, err := mgr.CreateFile(false)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	sch := &types.Schema{Fields: []types.FieldDesc{{Name: "k", Type: types.Int64}}}

	const n = 1000
	i := int64(0)
	src := func() ([]types.DatumRef, page.RecordID, bool, error) {
		if i >= n {
			return nil, page.RecordID{}, false, nil
		}
		cur := i
		i++
		return k(cur), page.RecordID{Page: page.ID(cur), Slot: 1}, true, nil
	}

	bt, err := Bulkload(f, sch, true, src)
	if err != nil {
		t.Fatalf("bulkload: %v", err)
	}

	for v := int64(0); v < n; v++ {
		rid, found, err := bt.Lookup(k(v))
		if err != nil {
			t.Fatalf("lookup %d: %v", v, err)
		}
		if !found || rid.Page != page.ID(v) {
			t.Fatalf("lookup %d: found=%v rid=%v", v, found, rid)
		}
	}

	sc, err := bt.NewScan(Bound{}, Bound{})
	if err != nil {
		t.Fatalf("full scan: %v", err)
	}
	defer sc.Close()
	count := 0
	var prev int64 = -1
	for {
		ok, err := sc.Next()
		if err != nil {
			t.Fatalf("scan next: %v", err)
		}
		if !ok {
			break
		}
		cur := int64(sc.RecordID().Page)
		if cur <= prev {
			t.Fatalf("full scan not ascending: prev=%d cur=%d", prev, cur)
		}
		prev = cur
		count++
	}
	if count != n {
		t.Fatalf("full scan after bulkload: got %d records, want %d", count, n)
	}
}

func TestBTreeInsertReverseOrder(t *testing.T) {
	bt, _ := openTestTree(t, false)
	const n = 400
	for i := int64(n - 1); i >= 0; i-- {
		if _, err := bt.Insert(k(i), page.RecordID{Page: page.ID(i), Slot: 1}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	sc, err := bt.NewScan(Bound{}, Bound{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	defer sc.Close()
	var prev int64 = -1
	count := 0
	for {
		ok, err := sc.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		cur := int64(sc.RecordID().Page)
		if cur != prev+1 {
			t.Fatalf("scan order broken: prev=%d cur=%d", prev, cur)
		}
		prev = cur
		count++
	}
	if count != n {
		t.Fatalf("got %d records, want %d", count, n)
	}
}

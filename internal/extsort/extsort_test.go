package extsort

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"sort"
	"testing"

	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/fileman"
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

func i64Item(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v)) // non-negative test values only
	return b
}

func i64Value(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

func i64Cmp(a, b []byte) int { return bytes.Compare(a, b) }

type sliceInput struct {
	items [][]byte
	pos   int
}

func (s *sliceInput) Next() ([]byte, bool, error) {
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	it := s.items[s.pos]
	s.pos++
	return it, true, nil
}

func TestExternalSortAscending(t *testing.T) {
	mgr := openTestMgr(t)
	rng := rand.New(rand.NewSource(7))

	const n = 3000
	var items [][]byte
	for i := 0; i < n; i++ {
		items = append(items, i64Item(rng.Int63n(1<<40)))
	}

	s := New(mgr, 4, i64Cmp)
	out, err := s.Sort(&sliceInput{items: items})
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	defer out.Close()

	want := make([]int64, n)
	for i, it := range items {
		want[i] = i64Value(it)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	got := make([]int64, 0, n)
	for {
		ok, err := out.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, i64Value(out.Item()))
	}
	if len(got) != n {
		t.Fatalf("got %d items, want %d", len(got), n)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestExternalSortEmptyInput(t *testing.T) {
	mgr := openTestMgr(t)
	s := New(mgr, 4, i64Cmp)
	out, err := s.Sort(&sliceInput{})
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	defer out.Close()
	ok, err := out.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatalf("expected no items from an empty sort")
	}
}

func TestExternalSortSaveRewind(t *testing.T) {
	mgr := openTestMgr(t)
	rng := rand.New(rand.NewSource(42))

	const n = 2000
	var items [][]byte
	for i := 0; i < n; i++ {
		items = append(items, i64Item(rng.Int63n(1<<40)))
	}

	s := New(mgr, 8, i64Cmp)
	out, err := s.Sort(&sliceInput{items: items})
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	defer out.Close()

	const mark = 500
	var markVal int64
	var pos uint64
	for i := 0; i < mark; i++ {
		ok, err := out.Next()
		if err != nil || !ok {
			t.Fatalf("next %d: ok=%v err=%v", i, ok, err)
		}
		if i == mark-1 {
			markVal = i64Value(out.Item())
			pos = out.SavePosition()
		}
	}

	// Drain the rest to confirm overall ordering, then rewind.
	prev := markVal
	for {
		ok, err := out.Next()
		if err != nil {
			t.Fatalf("drain next: %v", err)
		}
		if !ok {
			break
		}
		v := i64Value(out.Item())
		if v < prev {
			t.Fatalf("output not ascending: prev=%d got=%d", prev, v)
		}
		prev = v
	}

	ok, err := out.Rewind(pos)
	if err != nil || !ok {
		t.Fatalf("rewind: ok=%v err=%v", ok, err)
	}
	if got := i64Value(out.Item()); got != markVal {
		t.Fatalf("rewind did not restore marked item: got %d want %d", got, markVal)
	}
	ok, err = out.Next()
	if err != nil || !ok {
		t.Fatalf("next after rewind: ok=%v err=%v", ok, err)
	}
	if got := i64Value(out.Item()); got < markVal {
		t.Fatalf("item after rewind not >= marked: got %d marked %d", got, markVal)
	}
}

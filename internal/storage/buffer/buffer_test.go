package buffer

import (
	"testing"

	"github.com/relkit/coredb/internal/storage/page"
)

// memSource is a trivial in-memory PageSource: pages exist as soon as
// they are first written or read, initialized to zero. It lets this
// package's tests exercise eviction without a real fileman.Manager,
// keeping buffer free of a dependency on its own caller (package doc).
type memSource struct {
	pages map[page.ID][]byte
	reads []page.ID
	wrote []page.ID
}

func newMemSource() *memSource { return &memSource{pages: make(map[page.ID][]byte)} }

func (s *memSource) ReadPage(id page.ID) ([]byte, error) {
	s.reads = append(s.reads, id)
	buf, ok := s.pages[id]
	if !ok {
		buf = make([]byte, page.Size)
		s.pages[id] = buf
	}
	cp := make([]byte, page.Size)
	copy(cp, buf)
	return cp, nil
}

func (s *memSource) WritePage(id page.ID, buf []byte) error {
	s.wrote = append(s.wrote, id)
	cp := make([]byte, page.Size)
	copy(cp, buf)
	s.pages[id] = cp
	return nil
}

// TestPinUnpinBookkeeping exercises plain pin-count bookkeeping: pinning
// the same page twice requires two unpins before it becomes evictable,
// and unpinning below zero is fatal (spec §4.2).
func TestPinUnpinBookkeeping(t *testing.T) {
	src := newMemSource()
	p := New(Config{Frames: 2}, src)

	bufID, _, err := p.PinPage(1)
	if err != nil {
		t.Fatalf("pin 1: %v", err)
	}
	if _, _, err := p.PinPage(1); err != nil {
		t.Fatalf("re-pin 1: %v", err)
	}
	if p.frames[bufID].pinCount != 2 {
		t.Fatalf("pin count after double pin: got %d want 2", p.frames[bufID].pinCount)
	}

	p.UnpinPage(bufID)
	if p.frames[bufID].pinCount != 1 {
		t.Fatalf("pin count after one unpin: got %d want 1", p.frames[bufID].pinCount)
	}
	p.UnpinPage(bufID)
	if p.frames[bufID].pinCount != 0 {
		t.Fatalf("pin count after second unpin: got %d want 0", p.frames[bufID].pinCount)
	}
}

func TestUnpinOnZeroIsFatal(t *testing.T) {
	src := newMemSource()
	p := New(Config{Frames: 1}, src)
	bufID, _, err := p.PinPage(1)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	p.UnpinPage(bufID)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic unpinning an already-unpinned frame")
		}
	}()
	p.UnpinPage(bufID)
}

// TestEvictionNeverTakesPinnedFrame sweeps a single-frame pool (spec §8
// Scenario A: "buffer pool size 1 sweeps 64 pages") far past its
// capacity and asserts the pool never reports a pinned page evicted:
// every pin on a distinct page id, while the sole frame is held pinned
// on another id, must fail rather than silently stealing the pinned
// frame.
func TestEvictionNeverTakesPinnedFrame(t *testing.T) {
	src := newMemSource()
	p := New(Config{Frames: 1}, src)

	heldBuf, _, err := p.PinPage(1)
	if err != nil {
		t.Fatalf("pin 1: %v", err)
	}

	for id := page.ID(2); id < 2+64; id++ {
		if _, _, err := p.PinPage(id); err == nil {
			t.Fatalf("pin %d: expected eviction failure with the only frame pinned, got none", id)
		}
	}

	if p.frames[heldBuf].pinCount != 1 {
		t.Fatalf("held frame's pin count was disturbed: got %d want 1", p.frames[heldBuf].pinCount)
	}
	if p.frames[heldBuf].pageNum != 1 {
		t.Fatalf("held frame no longer holds page 1: got %d", p.frames[heldBuf].pageNum)
	}
}

// TestClockSweepsWithinTwoFrames pins and unpins across a two-frame
// pool with more distinct pages than frames, forcing real evictions,
// and checks that the pool only ever reports a live page as resident
// in a frame that is not pinned elsewhere (spec §8 Invariants 1-2).
func TestClockSweepsWithinTwoFrames(t *testing.T) {
	src := newMemSource()
	p := New(Config{Frames: 2}, src)

	const n = 8
	for id := page.ID(1); id <= n; id++ {
		bufID, buf, err := p.PinPage(id)
		if err != nil {
			t.Fatalf("pin %d: %v", id, err)
		}
		buf[page.HeaderSize] = byte(id)
		p.MarkDirty(bufID)
		p.UnpinPage(bufID)
	}

	if len(p.lookup) > 2 {
		t.Fatalf("more than Frames=2 pages resident at once: %d", len(p.lookup))
	}
	if len(src.wrote) == 0 {
		t.Fatalf("expected at least one write-back with only 2 frames for %d pages", n)
	}

	// Flush whatever is still resident and dirty, then every page must
	// have its stamped byte intact: evicted pages via clockEvict's
	// write-back, the rest via this Flush.
	if err := p.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for id := page.ID(1); id <= n; id++ {
		buf, err := src.ReadPage(id)
		if err != nil {
			t.Fatalf("read back %d: %v", id, err)
		}
		if got := buf[page.HeaderSize]; got != byte(id) {
			t.Fatalf("page %d lost its write: got %d want %d", id, got, id)
		}
	}
}

// TestRefBitGivesSecondChance verifies the clock policy spares a frame
// whose reference bit is set on the hand's first pass: every pin sets the
// bit, so with pages 2 (frame 0) and 1 (frame 1) resident and unpinned,
// pinning a third distinct page clears frame 0's bit, then frame 1's, and
// evicts page 2 when the hand returns to frame 0; page 1 stays resident
// (spec §4.2, "second-chance").
func TestRefBitGivesSecondChance(t *testing.T) {
	src := newMemSource()
	p := New(Config{Frames: 2}, src)

	b1, _, err := p.PinPage(1)
	if err != nil {
		t.Fatalf("pin 1: %v", err)
	}
	p.UnpinPage(b1)
	b2, _, err := p.PinPage(2)
	if err != nil {
		t.Fatalf("pin 2: %v", err)
	}
	p.UnpinPage(b2)

	// Touch page 1 again so its reference bit is set, then release it.
	b1, _, err = p.PinPage(1)
	if err != nil {
		t.Fatalf("re-pin 1: %v", err)
	}
	p.UnpinPage(b1)

	if _, _, err := p.PinPage(3); err != nil {
		t.Fatalf("pin 3: %v", err)
	}

	if _, stillResident := p.lookup[1]; !stillResident {
		t.Fatalf("page 1 (reference bit set) was evicted ahead of page 2")
	}
	if _, evicted := p.lookup[2]; evicted {
		t.Fatalf("page 2 should have been evicted, still resident")
	}
}

// TestScopedPinReleaseIsIdempotent exercises the ScopedPin guard this
// package exports for exception-safe release (spec §4.2, §9): calling
// Release twice must not double-unpin.
func TestScopedPinReleaseIsIdempotent(t *testing.T) {
	src := newMemSource()
	p := New(Config{Frames: 1}, src)

	sp, _, err := p.Pin(1)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	sp.Release()
	sp.Release()

	if p.frames[sp.BufID()].pinCount != 0 {
		t.Fatalf("pin count after double release: got %d want 0", p.frames[sp.BufID()].pinCount)
	}
}

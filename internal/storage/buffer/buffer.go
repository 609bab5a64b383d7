// Package buffer implements the fixed-capacity buffer pool: pin/unpin with
// reference counting, clock (second-chance) eviction, dirty-bit write-back,
// and a scoped-pin guard for exception-safe release (spec §4.2).
package buffer

import (
	"fmt"
	"sync"

	"github.com/ncw/directio"

	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/storage/page"
)

// PageSource is the lower layer a Pool loads pages from and flushes pages
// to on eviction — implemented by the file manager. Kept as an interface
// (rather than a concrete import of fileman) so buffer has no dependency
// on fileman; fileman depends on buffer instead, per spec's component
// split (spec §2).
type PageSource interface {
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, buf []byte) error
}

// frame is one pool slot. Buffer ids identify frames, not pages: across
// evictions the same buffer id may hold different pages over time, but for
// a fixed pool size N the set of valid buffer ids {0..N-1} never changes
// (spec §4.2).
type frame struct {
	pageNum  page.ID
	buf      []byte
	pinCount int
	dirty    bool
	refBit   bool
	resident bool
}

// Config configures a Pool.
type Config struct {
	Frames int // number of frames (N); 0 is invalid
}

// DefaultConfig returns a modestly sized pool suitable for tests and demos.
func DefaultConfig() Config { return Config{Frames: 128} }

// Pool is the fixed-capacity buffer pool.
type Pool struct {
	mu       sync.Mutex
	source   PageSource
	frames   []frame
	lookup   map[page.ID]int
	freeList []int
	hand     int
	closed   bool
}

// New creates a Pool with cfg.Frames frames backed by source. Frame buffers
// are allocated via directio.AlignedBlock so they are aligned for O_DIRECT
// reads even though this pool does not itself require unbuffered I/O
// (spec §4.2: "aligned to at least 512 bytes").
func New(cfg Config, source PageSource) *Pool {
	if cfg.Frames <= 0 {
		cfg = DefaultConfig()
	}
	p := &Pool{
		source: source,
		frames: make([]frame, cfg.Frames),
		lookup: make(map[page.ID]int, cfg.Frames),
	}
	for i := range p.frames {
		p.frames[i].buf = directio.AlignedBlock(page.Size)
		p.freeList = append(p.freeList, i)
	}
	return p
}

// PinPage pins page id, returning its frame (buffer id) and buffer. If the
// page is already resident its pin count is bumped; otherwise a frame is
// selected (free, or evicted via clock sweep), the dirty victim (if any) is
// written back, and the page is read in.
func (p *Pool) PinPage(id page.ID) (int, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinLocked(id)
}

func (p *Pool) pinLocked(id page.ID) (int, []byte, error) {
	if idx, ok := p.lookup[id]; ok {
		f := &p.frames[idx]
		f.pinCount++
		f.refBit = true
		return idx, f.buf, nil
	}

	idx, err := p.acquireFrameLocked()
	if err != nil {
		return -1, nil, err
	}
	buf, err := p.source.ReadPage(id)
	if err != nil {
		p.freeList = append(p.freeList, idx)
		return -1, nil, kernelerr.IO(fmt.Sprintf("read page %d", id), err)
	}
	f := &p.frames[idx]
	copy(f.buf, buf)
	f.pageNum = id
	f.pinCount = 1
	f.dirty = false
	f.refBit = true
	f.resident = true
	p.lookup[id] = idx
	return idx, f.buf, nil
}

// PinPageExpect pins id and verifies the loaded page's file id matches
// expectedFileID. On mismatch it unpins and returns ok=false with no error
// (spec §4.2).
func (p *Pool) PinPageExpect(id page.ID, expectedFileID uint32) (bufID int, buf []byte, ok bool, err error) {
	p.mu.Lock()
	idx, b, perr := p.pinLocked(id)
	if perr != nil {
		p.mu.Unlock()
		return -1, nil, false, perr
	}
	h := page.UnmarshalHeader(b)
	if h.FileID != expectedFileID {
		p.unpinLocked(idx)
		p.mu.Unlock()
		return -1, nil, false, nil
	}
	p.mu.Unlock()
	return idx, b, true, nil
}

// acquireFrameLocked returns a frame ready to receive a new page, evicting
// one via the clock policy if the free list is empty. Caller holds p.mu.
func (p *Pool) acquireFrameLocked() (int, error) {
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return idx, nil
	}
	idx, err := p.clockEvict()
	if err != nil {
		return -1, err
	}
	victim := &p.frames[idx]
	if victim.dirty {
		if werr := p.source.WritePage(victim.pageNum, victim.buf); werr != nil {
			return -1, kernelerr.IO(fmt.Sprintf("write back page %d", victim.pageNum), werr)
		}
		victim.dirty = false
	}
	delete(p.lookup, victim.pageNum)
	victim.resident = false
	return idx, nil
}

// clockEvict sweeps the clock hand for a frame with pin_count=0 and a
// clear reference bit, clearing reference bits it passes over. Pinning a
// frame sets its reference bit; only a frame whose bit is already clear on
// a second pass can be chosen (spec §4.2, invariant 2 in spec §8).
func (p *Pool) clockEvict() (int, error) {
	n := len(p.frames)
	for sweep := 0; sweep < 2*n; sweep++ {
		idx := p.hand
		p.hand = (p.hand + 1) % n
		f := &p.frames[idx]
		if !f.resident {
			return idx, nil
		}
		if f.pinCount > 0 {
			continue
		}
		if f.refBit {
			f.refBit = false
			continue
		}
		return idx, nil
	}
	return -1, fmt.Errorf("buffer: no evictable frame")
}

// UnpinPage decrements the pin count of bufID. It is fatal to unpin a frame
// whose pin count is already zero (spec §4.2).
func (p *Pool) UnpinPage(bufID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpinLocked(bufID)
}

func (p *Pool) unpinLocked(bufID int) {
	f := &p.frames[bufID]
	if f.pinCount <= 0 {
		kernelerr.Panic("buffer: unpin on frame %d with pin count %d", bufID, f.pinCount)
	}
	f.pinCount--
}

// MarkDirty flags bufID's page as modified. Fatal if bufID is not pinned.
func (p *Pool) MarkDirty(bufID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := &p.frames[bufID]
	if f.pinCount <= 0 {
		kernelerr.Panic("buffer: mark-dirty on unpinned frame %d", bufID)
	}
	f.dirty = true
}

// GetPageNumber returns the page currently held by bufID. Fatal if not
// pinned.
func (p *Pool) GetPageNumber(bufID int) page.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := &p.frames[bufID]
	if f.pinCount <= 0 {
		kernelerr.Panic("buffer: get-page-number on unpinned frame %d", bufID)
	}
	return f.pageNum
}

// GetBuffer returns the raw buffer behind bufID. Fatal if not pinned.
func (p *Pool) GetBuffer(bufID int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := &p.frames[bufID]
	if f.pinCount <= 0 {
		kernelerr.Panic("buffer: get-buffer on unpinned frame %d", bufID)
	}
	return f.buf
}

// Flush writes every dirty page back through the source. Fatal if any
// frame still has a non-zero pin count (spec §4.2).
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Pool) flushLocked() error {
	for i := range p.frames {
		f := &p.frames[i]
		if f.resident && f.pinCount != 0 {
			kernelerr.Panic("buffer: flush with frame %d still pinned (count=%d)", i, f.pinCount)
		}
	}
	for i := range p.frames {
		f := &p.frames[i]
		if f.resident && f.dirty {
			if err := p.source.WritePage(f.pageNum, f.buf); err != nil {
				return kernelerr.IO(fmt.Sprintf("flush page %d", f.pageNum), err)
			}
			f.dirty = false
		}
	}
	return nil
}

// Destroy flushes all dirty pages and marks the pool closed. Idempotent;
// safe to call without a prior successful init (spec §4.2).
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	err := p.flushLocked()
	p.closed = true
	return err
}

package buffer

import "github.com/relkit/coredb/internal/storage/page"

// ScopedPin wraps a pinned frame so its release is guaranteed on every exit
// path, including panics that unwind past the caller (spec §4.2, §9). The
// zero value is not usable; obtain one from Pool.Pin.
type ScopedPin struct {
	pool     *Pool
	bufID    int
	released bool
}

// Pin pins id and returns a guard. Callers should `defer sp.Release()`
// immediately.
func (p *Pool) Pin(id page.ID) (*ScopedPin, []byte, error) {
	bufID, buf, err := p.PinPage(id)
	if err != nil {
		return nil, nil, err
	}
	return &ScopedPin{pool: p, bufID: bufID}, buf, nil
}

// BufID returns the underlying buffer id, for APIs (e.g. MarkDirty,
// GetBuffer) that still take a raw id.
func (sp *ScopedPin) BufID() int { return sp.bufID }

// PageNumber returns the page currently held by this pin.
func (sp *ScopedPin) PageNumber() page.ID { return sp.pool.GetPageNumber(sp.bufID) }

// Buffer returns the frame's backing bytes.
func (sp *ScopedPin) Buffer() []byte { return sp.pool.GetBuffer(sp.bufID) }

// MarkDirty flags the pinned page as modified.
func (sp *ScopedPin) MarkDirty() { sp.pool.MarkDirty(sp.bufID) }

// Release unpins the frame. Safe to call more than once; only the first
// call has an effect, so Release and the raw Pool.UnpinPage form are
// interchangeable but never compound into a double-unpin (spec §4.2).
func (sp *ScopedPin) Release() {
	if sp == nil || sp.released {
		return
	}
	sp.released = true
	sp.pool.UnpinPage(sp.bufID)
}

// Transfer hands ownership of the pin to the raw buffer id form, for
// callers (e.g. index range-scan iterators) that must carry a pin across
// method boundaries without a lexically scoped defer. The ScopedPin itself
// is neutralized so its own Release becomes a no-op.
func (sp *ScopedPin) Transfer() int {
	sp.released = true
	return sp.bufID
}

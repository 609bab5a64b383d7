package buffer

// LatchMode selects shared or exclusive intent for a page latch.
type LatchMode int

const (
	LatchShared LatchMode = iota
	LatchExclusive
)

// LatchPage and UnlatchPage are a reserved no-op surface for a future
// concurrency implementation (spec §4.2, §9). The single-threaded Volcano
// executor this kernel targets never needs cross-page coordination beyond
// the pin itself (spec §5), so these exist only so callers that already
// bracket page access with latch/unlatch calls compile and keep doing so
// once real latching is added.
func (p *Pool) LatchPage(bufID int, mode LatchMode) {}

// UnlatchPage is the counterpart to LatchPage.
func (p *Pool) UnlatchPage(bufID int, mode LatchMode) {}

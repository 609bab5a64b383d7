// Package exec implements the Volcano-model execution operators (spec
// §4.8): a uniform init/next_tuple/get_record/close/rewind contract,
// with save_position/rewind(pos) additionally required by the
// operators that participate in merge joins or index-nested-loop
// joins. Grounded on original_source's include/execution/*.h and
// lab4/lab5's SelectionState/SortState/TableInsertState/
// MergeJoinState/IndexNestedLoopState headers and sources.
package exec

import (
	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/types"
)

// Operator is the uniform execution-state contract every node in the
// plan tree implements (spec §4.8).
type Operator interface {
	// Init prepares this node and its children for iteration. Illegal
	// to call any other method first.
	Init() error

	// NextTuple advances to the next output tuple. Once it returns
	// false, later calls also return false until a Rewind.
	NextTuple() (bool, error)

	// GetRecord returns the current tuple, stable until the next
	// NextTuple or Close. Undefined before the first NextTuple.
	GetRecord() []types.NullableDatumRef

	// Close releases resources and marks the node uninitialized. May
	// be called after a partial scan. A closed operator may be
	// reopened with Init.
	Close() error

	// Rewind has the same effect as Close followed by Init, but may
	// reuse resources.
	Rewind() error

	// SavePosition captures the current cursor as an opaque, non-null
	// value such that RewindTo(that value) restores it. Operators
	// that never participate in a merge join or index-nested-loop
	// join may leave this unsupported (fatal).
	SavePosition() (types.Datum, error)

	// RewindTo restores a position returned by SavePosition, so the
	// very next GetRecord() (no further NextTuple needed) returns the
	// tuple that was current when it was saved. Reports false (not an
	// error) if the position is now before-the-first or after-the-last
	// and that state is itself valid to land on.
	RewindTo(pos types.Datum) (bool, error)
}

// unsupportedPositioning is embedded by operators that spec §4.8 names
// as not participating in save/rewind (TableInsert, TableDelete): any
// call is a programming-contract violation, not a recoverable error.
type unsupportedPositioning struct{ name string }

func (u unsupportedPositioning) SavePosition() (types.Datum, error) {
	kernelerr.Panic("exec: save_position not supported by %s", u.name)
	panic("unreachable")
}

func (u unsupportedPositioning) RewindTo(types.Datum) (bool, error) {
	kernelerr.Panic("exec: rewind(pos) not supported by %s", u.name)
	panic("unreachable")
}

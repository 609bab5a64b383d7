package btree

import (
	"github.com/relkit/coredb/internal/index/key"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

func compareRID(a, b page.RecordID) int {
	switch {
	case a.Page < b.Page:
		return -1
	case a.Page > b.Page:
		return 1
	case a.Slot < b.Slot:
		return -1
	case a.Slot > b.Slot:
		return 1
	default:
		return 0
	}
}

// compareRecTarget implements btree_tuple_compare (spec §4.5): compares a
// stored page record's (key, rid) against a target (key, rid) pair,
// where the target may be a strict prefix of the index's key schema.
// Returns sign(record - target).
func compareRecTarget(recKey []types.DatumRef, recRID page.RecordID, targetKey []types.DatumRef, targetRID page.RecordID, targetIsPrefix bool) int {
	c := key.Compare(targetKey, recKey)
	if c != 0 {
		return -c
	}
	if targetIsPrefix {
		// the target, a strict prefix, is always smaller than any full key
		// sharing that prefix (spec §4.5).
		return 1
	}
	return compareRID(recRID, targetRID)
}

// Package key implements the compact index-key representation and the
// schema-driven tuple comparator (spec §4.4).
package key

import "github.com/relkit/coredb/internal/types"

// Key is a compact tuple of DatumRefs, possibly a prefix of the index's
// full key schema (spec §3). Go's slice already gives the "field-count
// plus array" shape the source's packed `IndexKey` struct exists to
// avoid allocating per comparison; the null bitmap described in spec §3
// is represented here by each DatumRef's own null flag instead of a
// separate bitmap, since Go has no struct-packing reason to hoist it out.
type Key struct {
	Fields []types.DatumRef
}

func New(fields []types.DatumRef) *Key { return &Key{Fields: fields} }

func (k *Key) NumFields() int { return len(k.Fields) }

// IsNull reports whether field i is null. Fields beyond NumFields() are
// not valid to query; callers comparing a prefix key stop at its length
// instead (see Compare).
func (k *Key) IsNull(i int) bool { return k.Fields[i].IsNull() }

// DeepCopy rewrites any by-reference (variable-length) field into data,
// appending the owned copies there and pointing the key at them, so the
// key outlives the record it was originally built from (spec §4.4).
func (k *Key) DeepCopy(sch *types.Schema, data *[]types.Datum) {
	for i := range k.Fields {
		f := k.Fields[i]
		if f.IsNull() || !sch.Fields[i].Type.ByRef() {
			continue
		}
		owned := f.Deref()
		*data = append(*data, owned)
		k.Fields[i] = owned.Ref()
	}
}

// Compare implements tuple_compare (spec §4.4): lexicographic across
// fields from 0 upward.
//   - two nulls compare equal
//   - null vs non-null: null is smaller
//   - non-null vs non-null: equal (types.Equal) continues, else
//     types.Compare decides
//
// If key has fewer fields than tuple, comparison stops after the shared
// prefix and returns 0; callers wanting "prefix < full key" apply that
// convention themselves (the B+Tree does, in btree_tuple_compare).
func Compare(key, tuple []types.DatumRef) int {
	n := len(key)
	if len(tuple) < n {
		n = len(tuple)
	}
	for i := 0; i < n; i++ {
		a, b := key[i], tuple[i]
		switch {
		case a.IsNull() && b.IsNull():
			continue
		case a.IsNull():
			return -1
		case b.IsNull():
			return 1
		case types.Equal(a, b):
			continue
		case types.Compare(a, b) < 0:
			return -1
		default:
			return 1
		}
	}
	return 0
}

// Equal reports whole-key equality (tuple_equal, spec §4.4): same
// length and Compare == 0.
func Equal(a, b []types.DatumRef) bool {
	return len(a) == len(b) && Compare(a, b) == 0
}

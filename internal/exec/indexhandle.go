package exec

import (
	"github.com/relkit/coredb/internal/index/btree"
	"github.com/relkit/coredb/internal/types"
)

// IndexHandle is the slice of a table's indexes that TableInsert and
// TableDelete must keep in sync with the heap, named by the table
// columns that form the index key (spec §4.5).
type IndexHandle struct {
	BTree   *btree.BTree
	KeyCols []int
}

func buildKeyRefs(row []types.Datum, keyCols []int) []types.DatumRef {
	refs := make([]types.DatumRef, len(keyCols))
	for i, c := range keyCols {
		refs[i] = row[c].Ref()
	}
	return refs
}

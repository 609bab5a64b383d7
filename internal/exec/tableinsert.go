package exec

import (
	"github.com/relkit/coredb/internal/storage/heap"
	"github.com/relkit/coredb/internal/types"
)

// TableInsert writes every tuple its child produces into a heap table,
// keeping each of the table's secondary indexes in sync, and emits a
// single output row holding the number of tuples written (spec §4.8).
// Like TableDelete it is a write operator: it cannot be rewound to an
// arbitrary position, since its single output row summarizes a
// side-effecting scan of the child that has already completed.
type TableInsert struct {
	unsupportedPositioning

	child   Operator
	schema  *types.Schema
	table   *heap.Table
	indexes []IndexHandle

	state int // 0 before-first, 1 positioned at the count row, 2 after-last
	rec   []types.NullableDatumRef
}

func NewTableInsert(child Operator, schema *types.Schema, table *heap.Table, indexes []IndexHandle) *TableInsert {
	return &TableInsert{
		unsupportedPositioning: unsupportedPositioning{name: "TableInsert"},
		child:                  child,
		schema:                 schema,
		table:                  table,
		indexes:                indexes,
	}
}

func (t *TableInsert) Init() error {
	t.state, t.rec = 0, nil
	return t.child.Init()
}

func (t *TableInsert) NextTuple() (bool, error) {
	if t.state != 0 {
		t.state = 2
		t.rec = nil
		return false, nil
	}
	var count int64
	for {
		ok, err := t.child.NextTuple()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		rec := t.child.GetRecord()
		data := make([]types.Datum, len(rec))
		for i, r := range rec {
			data[i] = r.Deref()
		}
		payload := t.schema.WritePayload(nil, data)
		rid, err := t.table.InsertRecord(payload)
		if err != nil {
			return false, err
		}
		for _, h := range t.indexes {
			if _, err := h.BTree.Insert(buildKeyRefs(data, h.KeyCols), rid); err != nil {
				return false, err
			}
		}
		count++
	}
	if err := t.child.Close(); err != nil {
		return false, err
	}
	t.state = 1
	t.rec = refsOf([]types.Datum{types.FromInt64(count)})
	return true, nil
}

func (t *TableInsert) GetRecord() []types.NullableDatumRef { return t.rec }

func (t *TableInsert) Close() error { return nil }

func (t *TableInsert) Rewind() error {
	t.state, t.rec = 0, nil
	return t.child.Rewind()
}

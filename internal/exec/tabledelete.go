package exec

import (
	"github.com/relkit/coredb/internal/expr"
	"github.com/relkit/coredb/internal/storage/heap"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

// TableDelete scans a table directly (rather than through a child
// operator, since it needs each tuple's RecordID to erase it) and
// removes every tuple for which pred evaluates non-null true, keeping
// the table's secondary indexes in sync. A nil pred deletes every
// tuple. It emits a single output row holding the number of tuples
// removed (spec §4.8) and, like TableInsert, cannot be rewound.
type TableDelete struct {
	unsupportedPositioning

	table   *heap.Table
	schema  *types.Schema
	indexes []IndexHandle
	pred    expr.Expr

	state int
	rec   []types.NullableDatumRef
}

func NewTableDelete(table *heap.Table, schema *types.Schema, indexes []IndexHandle, pred expr.Expr) *TableDelete {
	return &TableDelete{
		unsupportedPositioning: unsupportedPositioning{name: "TableDelete"},
		table:                  table,
		schema:                 schema,
		indexes:                indexes,
		pred:                   pred,
	}
}

func (d *TableDelete) Init() error {
	d.state, d.rec = 0, nil
	return nil
}

func (d *TableDelete) NextTuple() (bool, error) {
	if d.state != 0 {
		d.state = 2
		d.rec = nil
		return false, nil
	}

	it, err := d.table.StartScan()
	if err != nil {
		return false, err
	}
	var victims []page.RecordID
	var rows [][]types.Datum
	for {
		ok, err := it.Next()
		if err != nil {
			it.Close()
			return false, err
		}
		if !ok {
			break
		}
		data, err := d.schema.DissemblePayload(it.Record())
		if err != nil {
			it.Close()
			return false, err
		}
		matches := d.pred == nil
		if d.pred != nil {
			v := d.pred.EvalTuple(refsOf(data))
			matches = !v.IsNull() && v.Bool()
		}
		if matches {
			victims = append(victims, it.RecordID())
			rows = append(rows, data)
		}
	}
	it.Close()

	for i, rid := range victims {
		if err := d.table.EraseRecord(rid); err != nil {
			return false, err
		}
		for _, h := range d.indexes {
			if _, err := h.BTree.Delete(buildKeyRefs(rows[i], h.KeyCols), rid); err != nil {
				return false, err
			}
		}
	}

	d.state = 1
	d.rec = refsOf([]types.Datum{types.FromInt64(int64(len(victims)))})
	return true, nil
}

func (d *TableDelete) GetRecord() []types.NullableDatumRef { return d.rec }

func (d *TableDelete) Close() error { return nil }

func (d *TableDelete) Rewind() error {
	d.state, d.rec = 0, nil
	return nil
}

package exec

import "github.com/relkit/coredb/internal/types"

// TempTable is an in-memory materialized relation built by the planner
// (spec §4.8): it stores records by value and tracks a position index
// into the vector. save_position is that index.
type TempTable struct {
	schema *types.Schema
	rows   [][]types.Datum

	pos int // -1 before first, len(rows) after last
	rec []types.NullableDatumRef
}

func NewTempTable(schema *types.Schema, rows [][]types.Datum) *TempTable {
	return &TempTable{schema: schema, rows: rows}
}

func (t *TempTable) Init() error {
	t.pos, t.rec = -1, nil
	return nil
}

func (t *TempTable) NextTuple() (bool, error) {
	if t.pos >= len(t.rows) {
		return false, nil
	}
	t.pos++
	if t.pos >= len(t.rows) {
		t.rec = nil
		return false, nil
	}
	t.rec = refsOf(t.rows[t.pos])
	return true, nil
}

func (t *TempTable) GetRecord() []types.NullableDatumRef { return t.rec }

func (t *TempTable) Close() error { return nil }

func (t *TempTable) Rewind() error { return t.Init() }

func (t *TempTable) SavePosition() (types.Datum, error) {
	switch {
	case t.pos < 0:
		return packParts([]byte{0}), nil
	case t.pos >= len(t.rows):
		return packParts([]byte{2}), nil
	default:
		return packParts([]byte{1}, u64Bytes(uint64(t.pos))), nil
	}
}

func (t *TempTable) RewindTo(pos types.Datum) (bool, error) {
	parts, err := parseParts(pos)
	if err != nil {
		return false, err
	}
	if len(parts) == 0 {
		return false, errTruncatedPosition
	}
	switch parts[0][0] {
	case 0:
		t.pos, t.rec = -1, nil
		return false, nil
	case 2:
		t.pos, t.rec = len(t.rows), nil
		return false, nil
	case 1:
		t.pos = int(readU64(parts[1]))
		if t.pos < 0 || t.pos >= len(t.rows) {
			return false, errTruncatedPosition
		}
		t.rec = refsOf(t.rows[t.pos])
		return true, nil
	default:
		return false, errTruncatedPosition
	}
}

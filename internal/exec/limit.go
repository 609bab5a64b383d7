package exec

import "github.com/relkit/coredb/internal/types"

// Limit counts tuples and stops after n, deterministically returning
// the child's first n tuples (spec §4.8). save_position is
// (child_position, count); rewind(pos) only succeeds if the saved
// count was still under n and the child itself rewinds successfully.
type Limit struct {
	child Operator
	n     int

	count int
	rec   []types.NullableDatumRef
}

func NewLimit(child Operator, n int) *Limit {
	return &Limit{child: child, n: n}
}

func (l *Limit) Init() error {
	l.count, l.rec = 0, nil
	return l.child.Init()
}

func (l *Limit) NextTuple() (bool, error) {
	if l.count >= l.n {
		l.rec = nil
		return false, nil
	}
	ok, err := l.child.NextTuple()
	if err != nil || !ok {
		l.rec = nil
		return ok, err
	}
	l.count++
	l.rec = l.child.GetRecord()
	return true, nil
}

func (l *Limit) GetRecord() []types.NullableDatumRef { return l.rec }

func (l *Limit) Close() error { return l.child.Close() }

func (l *Limit) Rewind() error {
	l.count, l.rec = 0, nil
	return l.child.Rewind()
}

func (l *Limit) SavePosition() (types.Datum, error) {
	childPos, err := l.child.SavePosition()
	if err != nil {
		return types.Datum{}, err
	}
	return packParts(u64Bytes(uint64(l.count)), []byte(childPos.String())), nil
}

func (l *Limit) RewindTo(pos types.Datum) (bool, error) {
	parts, err := unpackParts(pos, 2)
	if err != nil {
		return false, err
	}
	savedCount := int(readU64(parts[0]))
	if savedCount >= l.n {
		return false, nil
	}
	ok, err := l.child.RewindTo(types.FromVarchar(string(parts[1])))
	if err != nil || !ok {
		l.rec = nil
		return ok, err
	}
	l.count = savedCount
	l.rec = l.child.GetRecord()
	return true, nil
}

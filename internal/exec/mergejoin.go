package exec

import (
	"github.com/relkit/coredb/internal/expr"
	"github.com/relkit/coredb/internal/types"
)

func combineRecs(a, b []types.NullableDatumRef) []types.NullableDatumRef {
	out := make([]types.NullableDatumRef, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// MergeJoin equi-joins two inputs already sorted on their respective key
// expressions, emitting matching pairs in lexicographic (outer-key,
// inner-key) order. Equal-key runs on both sides emit their full
// cross-product (spec §4.8). The inner side must support save_position/
// rewind(pos): each time the outer advances within a matched run, the
// inner is rewound to the start of the run rather than re-scanned from
// the index.
type MergeJoin struct {
	outer, inner       Operator
	outerKey, innerKey expr.Expr

	outerOK, innerOK   bool
	outerRec, innerRec []types.NullableDatumRef
	outerK, innerK     types.Datum

	matching bool       // true iff currently emitting a matched run's cross-product
	runKey   types.Datum // the equal key value of the current run
	runStart types.Datum // inner position at the first tuple of the current run

	rec []types.NullableDatumRef
}

func NewMergeJoin(outer, inner Operator, outerKey, innerKey expr.Expr) *MergeJoin {
	return &MergeJoin{outer: outer, inner: inner, outerKey: outerKey, innerKey: innerKey}
}

func (j *MergeJoin) advanceOuter() error {
	ok, err := j.outer.NextTuple()
	if err != nil {
		return err
	}
	j.outerOK = ok
	if ok {
		j.outerRec = j.outer.GetRecord()
		j.outerK = j.outerKey.EvalTuple(j.outerRec)
	}
	return nil
}

func (j *MergeJoin) advanceInner() error {
	ok, err := j.inner.NextTuple()
	if err != nil {
		return err
	}
	j.innerOK = ok
	if ok {
		j.innerRec = j.inner.GetRecord()
		j.innerK = j.innerKey.EvalTuple(j.innerRec)
	}
	return nil
}

func (j *MergeJoin) Init() error {
	if err := j.outer.Init(); err != nil {
		return err
	}
	if err := j.inner.Init(); err != nil {
		return err
	}
	j.matching, j.rec = false, nil
	if err := j.advanceOuter(); err != nil {
		return err
	}
	return j.advanceInner()
}

func (j *MergeJoin) NextTuple() (bool, error) {
	for {
		if j.matching {
			if err := j.advanceInner(); err != nil {
				return false, err
			}
			if j.innerOK && cmpDatum(j.innerK, j.runKey) == 0 {
				j.rec = combineRecs(j.outerRec, j.innerRec)
				return true, nil
			}
			// the inner run ended; try to advance the outer within the run.
			if err := j.advanceOuter(); err != nil {
				return false, err
			}
			if j.outerOK && cmpDatum(j.outerK, j.runKey) == 0 {
				ok, err := j.inner.RewindTo(j.runStart)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, errTruncatedPosition
				}
				j.innerRec = j.inner.GetRecord()
				j.innerK = j.innerKey.EvalTuple(j.innerRec)
				j.innerOK = true
				j.rec = combineRecs(j.outerRec, j.innerRec)
				return true, nil
			}
			// both runs ended: fall back to ordinary merge-advance.
			j.matching = false
			continue
		}

		if !j.outerOK || !j.innerOK {
			j.rec = nil
			return false, nil
		}
		switch c := cmpDatum(j.outerK, j.innerK); {
		case c < 0:
			if err := j.advanceOuter(); err != nil {
				return false, err
			}
		case c > 0:
			if err := j.advanceInner(); err != nil {
				return false, err
			}
		default:
			j.runKey = j.outerK
			pos, err := j.inner.SavePosition()
			if err != nil {
				return false, err
			}
			j.runStart = pos
			j.matching = true
			j.rec = combineRecs(j.outerRec, j.innerRec)
			return true, nil
		}
	}
}

func (j *MergeJoin) GetRecord() []types.NullableDatumRef { return j.rec }

func (j *MergeJoin) Close() error {
	if err := j.outer.Close(); err != nil {
		return err
	}
	return j.inner.Close()
}

func (j *MergeJoin) Rewind() error {
	j.matching, j.rec = false, nil
	if err := j.outer.Rewind(); err != nil {
		return err
	}
	if err := j.inner.Rewind(); err != nil {
		return err
	}
	if err := j.advanceOuter(); err != nil {
		return err
	}
	return j.advanceInner()
}

func (j *MergeJoin) SavePosition() (types.Datum, error) {
	outerPos, err := j.outer.SavePosition()
	if err != nil {
		return types.Datum{}, err
	}
	innerPos, err := j.inner.SavePosition()
	if err != nil {
		return types.Datum{}, err
	}
	var runStartBytes []byte
	if j.matching {
		runStartBytes = []byte(j.runStart.String())
	}
	return packParts([]byte(outerPos.String()), []byte(innerPos.String()), runStartBytes, boolByte(j.matching)), nil
}

func (j *MergeJoin) RewindTo(pos types.Datum) (bool, error) {
	parts, err := unpackParts(pos, 4)
	if err != nil {
		return false, err
	}
	outerPos := types.FromVarchar(string(parts[0]))
	innerPos := types.FromVarchar(string(parts[1]))
	runStartBytes := parts[2]
	matching := readBool(parts[3])

	ok1, err := j.outer.RewindTo(outerPos)
	if err != nil {
		return false, err
	}
	j.outerOK = ok1
	if ok1 {
		j.outerRec = j.outer.GetRecord()
		j.outerK = j.outerKey.EvalTuple(j.outerRec)
	}

	ok2, err := j.inner.RewindTo(innerPos)
	if err != nil {
		return false, err
	}
	j.innerOK = ok2
	if ok2 {
		j.innerRec = j.inner.GetRecord()
		j.innerK = j.innerKey.EvalTuple(j.innerRec)
	}

	j.matching = matching
	if matching {
		j.runStart = types.FromVarchar(string(runStartBytes))
		j.runKey = j.outerK
	}

	if ok1 && ok2 {
		j.rec = combineRecs(j.outerRec, j.innerRec)
		return true, nil
	}
	j.rec = nil
	return false, nil
}

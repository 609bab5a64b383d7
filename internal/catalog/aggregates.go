package catalog

import (
	"encoding/binary"
	"math"

	"github.com/relkit/coredb/internal/types"
)

// AggID names one of the supported aggregate kinds (spec §4.8:
// "count/sum/avg/min/max").
type AggID uint8

const (
	AggCount AggID = iota
	AggSum
	AggAvg
	AggMin
	AggMax
)

// AggFuncInfo is the three-function capability an aggregate operator
// needs: a seed state, a fold step, and a finisher that turns the
// accumulated state into the output Datum (spec §4.8). State is opaque
// to the caller, just as FuncInfo's Call is opaque to the expression
// tree.
type AggFuncInfo struct {
	ID          AggID
	OperandType types.ID // types.Invalid for count(*)
	RetType     types.ID
	Init        func() types.Datum
	Accumulate  func(state, value types.Datum) types.Datum
	Finalize    func(state types.Datum) types.Datum
}

type aggKey struct {
	id      AggID
	operand types.ID
}

// AggRegistry resolves (aggregate kind, operand type) to an
// AggFuncInfo, mirroring FuncRegistry's role for scalar operators.
type AggRegistry struct {
	byKey map[aggKey]*AggFuncInfo
}

func NewAggRegistry() *AggRegistry {
	r := &AggRegistry{byKey: make(map[aggKey]*AggFuncInfo)}
	r.registerBuiltins()
	return r
}

func (r *AggRegistry) register(fi AggFuncInfo) {
	r.byKey[aggKey{fi.ID, fi.OperandType}] = &fi
}

// Lookup resolves an aggregate kind over an operand type (types.Invalid
// for count(*)).
func (r *AggRegistry) Lookup(id AggID, operand types.ID) (*AggFuncInfo, bool) {
	fi, ok := r.byKey[aggKey{id, operand}]
	return fi, ok
}

func sumInit(t types.ID) func() types.Datum {
	switch t {
	case types.Int32:
		return func() types.Datum { return types.FromInt32(0) }
	case types.Int64:
		return func() types.Datum { return types.FromInt64(0) }
	default:
		return func() types.Datum { return types.FromFloat64(0) }
	}
}

func sumAccumulate(t types.ID) func(state, value types.Datum) types.Datum {
	switch t {
	case types.Int32:
		return func(state, value types.Datum) types.Datum {
			if value.IsNull() {
				return state
			}
			return types.FromInt32(state.Int32() + value.Int32())
		}
	case types.Int64:
		return func(state, value types.Datum) types.Datum {
			if value.IsNull() {
				return state
			}
			return types.FromInt64(state.Int64() + value.Int64())
		}
	default:
		return func(state, value types.Datum) types.Datum {
			if value.IsNull() {
				return state
			}
			return types.FromFloat64(state.Float64() + value.Float64())
		}
	}
}

func identityFinalize(state types.Datum) types.Datum { return state }

func minMaxAccumulate(t types.ID, wantMax bool) func(state, value types.Datum) types.Datum {
	better := func(a, b float64) bool {
		if wantMax {
			return b > a
		}
		return b < a
	}
	switch t {
	case types.Int32:
		return func(state, value types.Datum) types.Datum {
			if value.IsNull() {
				return state
			}
			if state.IsNull() || better(float64(state.Int32()), float64(value.Int32())) {
				return value.DeepCopy()
			}
			return state
		}
	case types.Int64:
		return func(state, value types.Datum) types.Datum {
			if value.IsNull() {
				return state
			}
			if state.IsNull() || better(float64(state.Int64()), float64(value.Int64())) {
				return value.DeepCopy()
			}
			return state
		}
	case types.Float64:
		return func(state, value types.Datum) types.Datum {
			if value.IsNull() {
				return state
			}
			if state.IsNull() || better(state.Float64(), value.Float64()) {
				return value.DeepCopy()
			}
			return state
		}
	default: // types.Varchar, types.Bool: compare via the type package's ordering
		return func(state, value types.Datum) types.Datum {
			if value.IsNull() {
				return state
			}
			if state.IsNull() {
				return value.DeepCopy()
			}
			c := types.Compare(state.Ref(), value.Ref())
			if (wantMax && c < 0) || (!wantMax && c > 0) {
				return value.DeepCopy()
			}
			return state
		}
	}
}

// avgState packs a running (sum, count) pair into an opaque Varchar
// Datum, since avg needs two numbers threaded through accumulate but
// every aggregate's state is a single Datum.
func packAvgState(sum float64, count uint64) types.Datum {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(sum))
	binary.BigEndian.PutUint64(buf[8:16], count)
	return types.FromVarchar(string(buf[:]))
}

func unpackAvgState(d types.Datum) (float64, uint64) {
	b := []byte(d.String())
	return math.Float64frombits(binary.BigEndian.Uint64(b[0:8])), binary.BigEndian.Uint64(b[8:16])
}

func (r *AggRegistry) registerBuiltins() {
	countAccumulate := func(state, value types.Datum) types.Datum {
		if value.IsNull() {
			return state
		}
		return types.FromInt64(state.Int64() + 1)
	}
	for _, t := range []types.ID{types.Invalid, types.Int32, types.Int64, types.Float64, types.Varchar, types.Bool} {
		r.register(AggFuncInfo{
			ID: AggCount, OperandType: t, RetType: types.Int64,
			Init:       func() types.Datum { return types.FromInt64(0) },
			Accumulate: countAccumulate,
			Finalize:   identityFinalize,
		})
	}

	for _, t := range []types.ID{types.Int32, types.Int64, types.Float64} {
		t := t
		r.register(AggFuncInfo{
			ID: AggSum, OperandType: t, RetType: t,
			Init:       sumInit(t),
			Accumulate: sumAccumulate(t),
			Finalize:   identityFinalize,
		})
		r.register(AggFuncInfo{
			ID: AggMin, OperandType: t, RetType: t,
			Init:       func() types.Datum { return types.Null(t) },
			Accumulate: minMaxAccumulate(t, false),
			Finalize:   identityFinalize,
		})
		r.register(AggFuncInfo{
			ID: AggMax, OperandType: t, RetType: t,
			Init:       func() types.Datum { return types.Null(t) },
			Accumulate: minMaxAccumulate(t, true),
			Finalize:   identityFinalize,
		})
		r.register(AggFuncInfo{
			ID: AggAvg, OperandType: t, RetType: types.Float64,
			Init: func() types.Datum { return packAvgState(0, 0) },
			Accumulate: func(state, value types.Datum) types.Datum {
				if value.IsNull() {
					return state
				}
				sum, count := unpackAvgState(state)
				var v float64
				switch t {
				case types.Int32:
					v = float64(value.Int32())
				case types.Int64:
					v = float64(value.Int64())
				default:
					v = value.Float64()
				}
				return packAvgState(sum+v, count+1)
			},
			Finalize: func(state types.Datum) types.Datum {
				sum, count := unpackAvgState(state)
				if count == 0 {
					return types.Null(types.Float64)
				}
				return types.FromFloat64(sum / float64(count))
			},
		})
	}

	for _, t := range []types.ID{types.Varchar, types.Bool} {
		t := t
		r.register(AggFuncInfo{
			ID: AggMin, OperandType: t, RetType: t,
			Init:       func() types.Datum { return types.Null(t) },
			Accumulate: minMaxAccumulate(t, false),
			Finalize:   identityFinalize,
		})
		r.register(AggFuncInfo{
			ID: AggMax, OperandType: t, RetType: t,
			Init:       func() types.Datum { return types.Null(t) },
			Accumulate: minMaxAccumulate(t, true),
			Finalize:   identityFinalize,
		})
	}
}

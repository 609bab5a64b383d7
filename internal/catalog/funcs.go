package catalog

import (
	"fmt"

	"github.com/relkit/coredb/internal/types"
)

// OpCode is the fixed catalog of comparison, arithmetic and cast opcodes
// an expression tree may reference (spec §6, "Expression opcodes").
type OpCode uint8

const (
	OpLt OpCode = iota
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpCastToInt64
	OpCastToFloat64
)

// FuncID is a stable handle to a FuncInfo, resolved once at expression
// construction time and reused on every Eval (spec §4.7: "evaluation is
// a hot path and must not repeat lookups").
type FuncID uint32

// FuncInfo is a callable scalar function: the minimal capability set the
// execution kernel needs from the (externally specified) function
// registry, per spec §1's collaborator note.
type FuncInfo struct {
	ID      FuncID
	Name    string
	Arity   int
	RetType types.ID
	Call    func(args []types.DatumRef) types.Datum
}

type funcKey struct {
	op  OpCode
	lhs types.ID
	rhs types.ID // Invalid for unary / cast functions
}

// FuncRegistry resolves (opcode, operand types) to a FuncInfo. It stands
// in for the catalog's builtin scalar/type/function registry, which
// spec §1 places out of scope beyond the capability it exposes here:
// "a scalar function to compare two values".
type FuncRegistry struct {
	funcs map[FuncID]*FuncInfo
	byKey map[funcKey]FuncID
	next  FuncID
}

func NewFuncRegistry() *FuncRegistry {
	r := &FuncRegistry{
		funcs: make(map[FuncID]*FuncInfo),
		byKey: make(map[funcKey]FuncID),
	}
	r.registerBuiltins()
	return r
}

func (r *FuncRegistry) register(op OpCode, lhs, rhs types.ID, name string, arity int, retType types.ID, call func(args []types.DatumRef) types.Datum) FuncID {
	r.next++
	id := r.next
	r.funcs[id] = &FuncInfo{ID: id, Name: name, Arity: arity, RetType: retType, Call: call}
	r.byKey[funcKey{op, lhs, rhs}] = id
	return id
}

// Lookup resolves a binary opcode over (lhs, rhs) operand types.
func (r *FuncRegistry) Lookup(op OpCode, lhs, rhs types.ID) (FuncID, bool) {
	id, ok := r.byKey[funcKey{op, lhs, rhs}]
	return id, ok
}

// Get dereferences a resolved FuncID. Fatal if unknown: FuncIDs are only
// ever handed out by this registry and cached by callers, so an unknown
// id means a programming error.
func (r *FuncRegistry) Get(id FuncID) *FuncInfo {
	fi, ok := r.funcs[id]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown func id %d", id))
	}
	return fi
}

func cmpFn(pred func(c int) bool) func(args []types.DatumRef) types.Datum {
	return func(args []types.DatumRef) types.Datum {
		a, b := args[0], args[1]
		if a.IsNull() || b.IsNull() {
			return types.Null(types.Bool)
		}
		return types.FromBool(pred(types.Compare(a, b)))
	}
}

func (r *FuncRegistry) registerBuiltins() {
	numeric := []types.ID{types.Int32, types.Int64, types.Float64, types.Varchar, types.Bool}
	for _, t := range numeric {
		t := t
		r.register(OpLt, t, t, "lt", 2, types.Bool, cmpFn(func(c int) bool { return c < 0 }))
		r.register(OpLe, t, t, "le", 2, types.Bool, cmpFn(func(c int) bool { return c <= 0 }))
		r.register(OpGt, t, t, "gt", 2, types.Bool, cmpFn(func(c int) bool { return c > 0 }))
		r.register(OpGe, t, t, "ge", 2, types.Bool, cmpFn(func(c int) bool { return c >= 0 }))
		r.register(OpEq, t, t, "eq", 2, types.Bool, cmpFn(func(c int) bool { return c == 0 }))
		r.register(OpNe, t, t, "ne", 2, types.Bool, cmpFn(func(c int) bool { return c != 0 }))
	}

	r.register(OpAdd, types.Int32, types.Int32, "add_i32", 2, types.Int32, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Int32)
		}
		return types.FromInt32(args[0].Int32() + args[1].Int32())
	})
	r.register(OpSub, types.Int32, types.Int32, "sub_i32", 2, types.Int32, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Int32)
		}
		return types.FromInt32(args[0].Int32() - args[1].Int32())
	})
	r.register(OpMul, types.Int32, types.Int32, "mul_i32", 2, types.Int32, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Int32)
		}
		return types.FromInt32(args[0].Int32() * args[1].Int32())
	})
	r.register(OpDiv, types.Int32, types.Int32, "div_i32", 2, types.Int32, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Int32)
		}
		return types.FromInt32(args[0].Int32() / args[1].Int32())
	})
	r.register(OpNeg, types.Int32, types.Invalid, "neg_i32", 1, types.Int32, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() {
			return types.Null(types.Int32)
		}
		return types.FromInt32(-args[0].Int32())
	})

	r.register(OpAdd, types.Int64, types.Int64, "add_i64", 2, types.Int64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Int64)
		}
		return types.FromInt64(args[0].Int64() + args[1].Int64())
	})
	r.register(OpSub, types.Int64, types.Int64, "sub_i64", 2, types.Int64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Int64)
		}
		return types.FromInt64(args[0].Int64() - args[1].Int64())
	})
	r.register(OpMul, types.Int64, types.Int64, "mul_i64", 2, types.Int64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Int64)
		}
		return types.FromInt64(args[0].Int64() * args[1].Int64())
	})
	r.register(OpDiv, types.Int64, types.Int64, "div_i64", 2, types.Int64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Int64)
		}
		return types.FromInt64(args[0].Int64() / args[1].Int64())
	})
	r.register(OpNeg, types.Int64, types.Invalid, "neg_i64", 1, types.Int64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() {
			return types.Null(types.Int64)
		}
		return types.FromInt64(-args[0].Int64())
	})

	r.register(OpAdd, types.Float64, types.Float64, "add_f64", 2, types.Float64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Float64)
		}
		return types.FromFloat64(args[0].Float64() + args[1].Float64())
	})
	r.register(OpSub, types.Float64, types.Float64, "sub_f64", 2, types.Float64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Float64)
		}
		return types.FromFloat64(args[0].Float64() - args[1].Float64())
	})
	r.register(OpMul, types.Float64, types.Float64, "mul_f64", 2, types.Float64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Float64)
		}
		return types.FromFloat64(args[0].Float64() * args[1].Float64())
	})
	r.register(OpDiv, types.Float64, types.Float64, "div_f64", 2, types.Float64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() || args[1].IsNull() {
			return types.Null(types.Float64)
		}
		return types.FromFloat64(args[0].Float64() / args[1].Float64())
	})
	r.register(OpNeg, types.Float64, types.Invalid, "neg_f64", 1, types.Float64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() {
			return types.Null(types.Float64)
		}
		return types.FromFloat64(-args[0].Float64())
	})

	r.register(OpCastToInt64, types.Int32, types.Invalid, "cast_i32_i64", 1, types.Int64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() {
			return types.Null(types.Int64)
		}
		return types.FromInt64(int64(args[0].Int32()))
	})
	r.register(OpCastToFloat64, types.Int32, types.Invalid, "cast_i32_f64", 1, types.Float64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() {
			return types.Null(types.Float64)
		}
		return types.FromFloat64(float64(args[0].Int32()))
	})
	r.register(OpCastToFloat64, types.Int64, types.Invalid, "cast_i64_f64", 1, types.Float64, func(args []types.DatumRef) types.Datum {
		if args[0].IsNull() {
			return types.Null(types.Float64)
		}
		return types.FromFloat64(float64(args[0].Int64()))
	})
}

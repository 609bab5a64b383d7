package expr

import (
	"testing"

	"github.com/relkit/coredb/internal/catalog"
	"github.com/relkit/coredb/internal/types"
)

func testSchema() *types.Schema {
	return &types.Schema{Fields: []types.FieldDesc{
		{Name: "a", Type: types.Int64},
		{Name: "b", Type: types.Int64, Nullable: true},
		{Name: "flag", Type: types.Bool},
	}}
}

func row(a int64, bNull bool, b int64, flag bool) []types.NullableDatumRef {
	bd := types.FromInt64(b)
	if bNull {
		bd = types.Null(types.Int64)
	}
	return []types.NullableDatumRef{
		types.FromInt64(a).Ref(),
		bd.Ref(),
		types.FromBool(flag).Ref(),
	}
}

func TestLiteral(t *testing.T) {
	l := NewLiteral(types.FromInt64(42))
	if l.ReturnType() != types.Int64 {
		t.Fatalf("return type = %s, want int64", l.ReturnType())
	}
	if got := l.EvalTuple(nil).Int64(); got != 42 {
		t.Fatalf("eval = %d, want 42", got)
	}
}

func TestVariable(t *testing.T) {
	sch := testSchema()
	v, err := NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("new variable: %v", err)
	}
	r := row(7, false, 0, true)
	if got := v.EvalTuple(r).Int64(); got != 7 {
		t.Fatalf("eval tuple = %d, want 7", got)
	}

	buf := sch.WritePayload(nil, []types.Datum{types.FromInt64(7), types.Null(types.Int64), types.FromBool(true)})
	if got := v.EvalBytes(buf).Int64(); got != 7 {
		t.Fatalf("eval bytes = %d, want 7", got)
	}

	if _, err := NewVariable(sch, 5); err == nil {
		t.Fatalf("expected out-of-range index to fail construction")
	}
}

func TestBinaryOperatorArithmeticAndNull(t *testing.T) {
	reg := catalog.NewFuncRegistry()
	sch := testSchema()
	a, err := NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable a: %v", err)
	}
	b, err := NewVariable(sch, 1)
	if err != nil {
		t.Fatalf("variable b: %v", err)
	}
	add, err := NewBinaryOperator(reg, catalog.OpAdd, a, b)
	if err != nil {
		t.Fatalf("new binary op: %v", err)
	}
	if add.ReturnType() != types.Int64 {
		t.Fatalf("return type = %s, want int64", add.ReturnType())
	}

	got := add.EvalTuple(row(3, false, 4, true))
	if got.IsNull() || got.Int64() != 7 {
		t.Fatalf("3+4 = %+v, want 7", got)
	}

	gotNull := add.EvalTuple(row(3, true, 0, true))
	if !gotNull.IsNull() {
		t.Fatalf("expected null propagation when an operand is null")
	}
}

func TestBinaryOperatorUnknownCombinationFails(t *testing.T) {
	reg := catalog.NewFuncRegistry()
	sch := testSchema()
	flag, err := NewVariable(sch, 2)
	if err != nil {
		t.Fatalf("variable flag: %v", err)
	}
	lit := NewLiteral(types.FromInt64(1))
	if _, err := NewBinaryOperator(reg, catalog.OpAdd, flag, lit); err == nil {
		t.Fatalf("expected construction to fail for bool+int64 add")
	}
}

func TestUnaryOperatorNeg(t *testing.T) {
	reg := catalog.NewFuncRegistry()
	sch := testSchema()
	a, err := NewVariable(sch, 0)
	if err != nil {
		t.Fatalf("variable a: %v", err)
	}
	neg, err := NewUnaryOperator(reg, catalog.OpNeg, a)
	if err != nil {
		t.Fatalf("new unary op: %v", err)
	}
	got := neg.EvalTuple(row(5, false, 0, true))
	if got.Int64() != -5 {
		t.Fatalf("neg(5) = %d, want -5", got.Int64())
	}
}

func TestCast(t *testing.T) {
	reg := catalog.NewFuncRegistry()
	lit := NewLiteral(types.FromInt32(9))
	c, err := NewCast(reg, types.Int64, lit, false)
	if err != nil {
		t.Fatalf("new cast: %v", err)
	}
	if c.ReturnType() != types.Int64 {
		t.Fatalf("return type = %s, want int64", c.ReturnType())
	}
	if got := c.EvalTuple(nil).Int64(); got != 9 {
		t.Fatalf("cast(9) = %d, want 9", got)
	}

	if _, err := NewCast(reg, types.Bool, lit, false); err == nil {
		t.Fatalf("expected cast to an unsupported target to fail construction")
	}
}

func TestFuncCallOperatorArityCheck(t *testing.T) {
	reg := catalog.NewFuncRegistry()
	one := NewLiteral(types.FromInt64(1))
	if _, err := NewFuncCallOperator(reg, catalog.OpNeg, []Expr{one, one}); err == nil {
		t.Fatalf("expected arity mismatch to fail construction")
	}
	fc, err := NewFuncCallOperator(reg, catalog.OpNeg, []Expr{one})
	if err != nil {
		t.Fatalf("new func call: %v", err)
	}
	if got := fc.EvalTuple(nil).Int64(); got != -1 {
		t.Fatalf("neg(1) = %d, want -1", got)
	}
}

func TestAndOrShortCircuitIgnoresNull(t *testing.T) {
	sch := testSchema()
	flag, err := NewVariable(sch, 2)
	if err != nil {
		t.Fatalf("variable flag: %v", err)
	}
	litFalse := NewLiteral(types.FromBool(false))
	litTrue := NewLiteral(types.FromBool(true))

	and, err := NewAndOperator(litFalse, flag)
	if err != nil {
		t.Fatalf("new and: %v", err)
	}
	// Mirrors the original's non-null-checking short circuit: a false
	// left operand yields false without inspecting the right operand's
	// nullability at all.
	if got := and.EvalTuple(row(0, false, 0, true)).Bool(); got != false {
		t.Fatalf("false AND x = %v, want false", got)
	}

	or, err := NewOrOperator(litTrue, flag)
	if err != nil {
		t.Fatalf("new or: %v", err)
	}
	if got := or.EvalTuple(row(0, false, 0, false)).Bool(); got != true {
		t.Fatalf("true OR x = %v, want true", got)
	}

	if _, err := NewAndOperator(NewLiteral(types.FromInt64(1)), litTrue); err == nil {
		t.Fatalf("expected non-bool operand to fail AndOperator construction")
	}
}

// Package types implements the Datum value representation and the
// schema-driven record payload codec (spec §3, §4.4).
package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/relkit/coredb/internal/kernelerr"
)

// ID identifies a scalar type. The set is intentionally small: it covers
// exactly what the storage and execution kernel needs to move bytes
// around and compare them, not a full SQL type system (that lives in the
// catalog/function-registry collaborator, out of scope here).
type ID uint8

const (
	Invalid ID = iota
	Bool
	Int32
	Int64
	Float64
	Varchar
)

// Width returns the fixed on-disk width in bytes for fixed-width types,
// or 0 for a variable-length type.
func (t ID) Width() int {
	switch t {
	case Bool:
		return 1
	case Int32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// ByRef reports whether values of this type are variable-length
// (length-prefixed, stored out of line of the fixed field region).
func (t ID) ByRef() bool { return t.Width() == 0 }

func (t ID) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Varchar:
		return "varchar"
	default:
		return "invalid"
	}
}

// Datum is a tagged, owned scalar value: either NULL, a fixed-width
// scalar, or an owned variable-length buffer (spec §3).
type Datum struct {
	typ    ID
	null   bool
	fixed  uint64
	varbuf []byte
}

// Null constructs a NULL datum of the given type (the type is retained so
// callers can still query what kind of NULL this is, e.g. for casts).
func Null(t ID) Datum { return Datum{typ: t, null: true} }

func FromBool(v bool) Datum {
	var f uint64
	if v {
		f = 1
	}
	return Datum{typ: Bool, fixed: f}
}

func FromInt32(v int32) Datum { return Datum{typ: Int32, fixed: uint64(uint32(v))} }

func FromInt64(v int64) Datum { return Datum{typ: Int64, fixed: uint64(v)} }

func FromFloat64(v float64) Datum { return Datum{typ: Float64, fixed: math.Float64bits(v)} }

func FromVarchar(v string) Datum {
	b := make([]byte, len(v))
	copy(b, v)
	return Datum{typ: Varchar, varbuf: b}
}

func (d Datum) Type() ID     { return d.typ }
func (d Datum) IsNull() bool { return d.null }

func (d Datum) Bool() bool       { return d.fixed != 0 }
func (d Datum) Int32() int32     { return int32(uint32(d.fixed)) }
func (d Datum) Int64() int64     { return int64(d.fixed) }
func (d Datum) Float64() float64 { return math.Float64frombits(d.fixed) }
func (d Datum) Bytes() []byte    { return d.varbuf }
func (d Datum) String() string   { return string(d.varbuf) }

// DeepCopy returns a Datum whose variable-length buffer, if any, is a
// fresh copy independent of d's backing storage (spec §3: "supports deep
// copy").
func (d Datum) DeepCopy() Datum {
	if d.varbuf == nil {
		return d
	}
	cp := make([]byte, len(d.varbuf))
	copy(cp, d.varbuf)
	d.varbuf = cp
	return d
}

// Ref returns a cheap, non-owning reference to d. The reference is valid
// only as long as d's backing buffer is not mutated.
func (d Datum) Ref() DatumRef {
	return DatumRef{typ: d.typ, null: d.null, fixed: d.fixed, varbuf: d.varbuf}
}

// DatumRef is a cheap reference form of Datum: for variable-length values
// it may point into a pinned page buffer or a record byte slice rather
// than owning a copy. NullableDatumRef (spec §3) is the same type; the
// null flag already unifies "null" and "non-null reference".
type DatumRef struct {
	typ    ID
	null   bool
	fixed  uint64
	varbuf []byte
}

// NullableDatumRef unifies "null" and "non-null reference" for
// evaluators (spec §3); it is not a distinct representation from
// DatumRef in this implementation.
type NullableDatumRef = DatumRef

func NullRef(t ID) DatumRef { return DatumRef{typ: t, null: true} }

func (r DatumRef) Type() ID     { return r.typ }
func (r DatumRef) IsNull() bool { return r.null }
func (r DatumRef) Bool() bool   { return r.fixed != 0 }
func (r DatumRef) Int32() int32 { return int32(uint32(r.fixed)) }
func (r DatumRef) Int64() int64 { return int64(r.fixed) }
func (r DatumRef) Float64() float64 {
	return math.Float64frombits(r.fixed)
}
func (r DatumRef) Bytes() []byte { return r.varbuf }
func (r DatumRef) String() string { return string(r.varbuf) }

// Deref materializes an owned Datum from r, deep-copying any
// variable-length payload so the result outlives r's backing buffer.
func (r DatumRef) Deref() Datum {
	d := Datum{typ: r.typ, null: r.null, fixed: r.fixed}
	if r.varbuf != nil {
		d.varbuf = append([]byte(nil), r.varbuf...)
	}
	return d
}

// Compare orders two non-null, same-typed values: -1, 0, or 1. Callers
// (tuple_compare) must check nulls themselves; null ordering is a schema
// concern, not a type concern (spec §4.4).
func Compare(a, b DatumRef) int {
	if a.typ != b.typ {
		kernelerr.Panic("types: compare across mismatched types %s vs %s", a.typ, b.typ)
	}
	switch a.typ {
	case Bool:
		if a.fixed == b.fixed {
			return 0
		}
		if a.fixed < b.fixed {
			return -1
		}
		return 1
	case Int32:
		av, bv := a.Int32(), b.Int32()
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case Int64:
		av, bv := a.Int64(), b.Int64()
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case Float64:
		av, bv := a.Float64(), b.Float64()
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case Varchar:
		av, bv := a.varbuf, b.varbuf
		n := len(av)
		if len(bv) < n {
			n = len(bv)
		}
		for i := 0; i < n; i++ {
			if av[i] != bv[i] {
				if av[i] < bv[i] {
					return -1
				}
				return 1
			}
		}
		switch {
		case len(av) < len(bv):
			return -1
		case len(av) > len(bv):
			return 1
		default:
			return 0
		}
	default:
		kernelerr.Panic("types: compare on invalid type")
	}
	panic("unreachable")
}

// Equal reports whether two non-null, same-typed values are equal.
func Equal(a, b DatumRef) bool { return Compare(a, b) == 0 }

// FieldDesc describes one column's storage shape (spec §3: "alignment,
// byref flag, length").
type FieldDesc struct {
	Name     string
	Type     ID
	Width    int // for Varchar, the declared max width (n in varchar(n))
	Nullable bool
}

// Schema is an ordered list of field descriptors with a payload codec
// (spec §4.4, §8).
type Schema struct {
	Fields []FieldDesc
}

func (s *Schema) NumFields() int { return len(s.Fields) }

func (s *Schema) FieldByRef(i int) bool { return s.Fields[i].Type.ByRef() }

func nullBitmapBytes(nFields int) int { return (nFields + 7) / 8 }

// WritePayload serializes data (one Datum per schema field, in order)
// into buf's tail, appending as needed, and returns the slice written.
// Layout: null bitmap, then per field in schema order either nothing
// (null), Width inline bytes (fixed), or a uint16 length prefix plus raw
// bytes (variable). This is the record payload format referenced in
// spec §3 and round-tripped in spec §8.
func (s *Schema) WritePayload(buf []byte, data []Datum) []byte {
	if len(data) != len(s.Fields) {
		kernelerr.Panic("types: write_payload arity mismatch: schema has %d fields, got %d", len(s.Fields), len(data))
	}
	nbm := nullBitmapBytes(len(s.Fields))
	start := len(buf)
	buf = append(buf, make([]byte, nbm)...)
	for i, f := range s.Fields {
		d := data[i]
		if d.IsNull() {
			if !f.Nullable {
				kernelerr.Panic("types: write_payload: non-nullable field %q got NULL", f.Name)
			}
			buf[start+i/8] |= 1 << uint(i%8)
			continue
		}
		if f.Type.ByRef() {
			b := d.Bytes()
			var lenBuf [2]byte
			binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, b...)
		} else {
			var fixedBuf [8]byte
			binary.LittleEndian.PutUint64(fixedBuf[:], d.fixed)
			buf = append(buf, fixedBuf[:f.Type.Width()]...)
		}
	}
	return buf
}

// DissemblePayload is the inverse of WritePayload: it parses buf back
// into one Datum per schema field.
func (s *Schema) DissemblePayload(buf []byte) ([]Datum, error) {
	nbm := nullBitmapBytes(len(s.Fields))
	if len(buf) < nbm {
		return nil, fmt.Errorf("types: payload too short for null bitmap")
	}
	out := make([]Datum, len(s.Fields))
	off := nbm
	for i, f := range s.Fields {
		isNull := buf[i/8]&(1<<uint(i%8)) != 0
		if isNull {
			out[i] = Null(f.Type)
			continue
		}
		if f.Type.ByRef() {
			if off+2 > len(buf) {
				return nil, fmt.Errorf("types: truncated length prefix at field %d", i)
			}
			n := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			if off+n > len(buf) {
				return nil, fmt.Errorf("types: truncated variable field %d", i)
			}
			out[i] = FromVarchar(string(buf[off : off+n]))
			off += n
		} else {
			w := f.Type.Width()
			if off+w > len(buf) {
				return nil, fmt.Errorf("types: truncated fixed field %d", i)
			}
			var fixedBuf [8]byte
			copy(fixedBuf[:w], buf[off:off+w])
			out[i] = Datum{typ: f.Type, fixed: binary.LittleEndian.Uint64(fixedBuf[:])}
			off += w
		}
	}
	return out, nil
}

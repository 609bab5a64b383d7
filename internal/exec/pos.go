package exec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

// Saved positions are opaque Datum values (spec §4.8), represented here
// as a Varchar blob of length-prefixed parts, so a composite position
// (e.g. MergeJoin's (outer_pos, inner_pos, run_start, match_state)) can
// nest an arbitrary child position without the child knowing it is
// being embedded.

func packParts(parts ...[]byte) types.Datum {
	var buf []byte
	for _, p := range parts {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, p...)
	}
	return types.FromVarchar(string(buf))
}

// parseParts splits a packParts-encoded Datum back into its parts,
// however many there are.
func parseParts(d types.Datum) ([][]byte, error) {
	buf := []byte(d.String())
	var parts [][]byte
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, errTruncatedPosition
		}
		l := binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		if uint32(len(buf)) < l {
			return nil, errTruncatedPosition
		}
		parts = append(parts, buf[:l])
		buf = buf[l:]
	}
	return parts, nil
}

func unpackParts(d types.Datum, n int) ([][]byte, error) {
	parts, err := parseParts(d)
	if err != nil {
		return nil, err
	}
	if len(parts) != n {
		return nil, fmt.Errorf("exec: position has %d parts, want %d", len(parts), n)
	}
	return parts, nil
}

var errTruncatedPosition = fmt.Errorf("exec: truncated position encoding")

func u64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func readU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// ridPos packs a record id's (page, slot) into one part.
func ridPos(rid page.RecordID) []byte {
	var b [6]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(rid.Page))
	binary.BigEndian.PutUint16(b[4:6], uint16(rid.Slot))
	return b[:]
}

func readRIDPos(b []byte) page.RecordID {
	return page.RecordID{
		Page: page.ID(binary.BigEndian.Uint32(b[0:4])),
		Slot: page.SlotID(binary.BigEndian.Uint16(b[4:6])),
	}
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func readBool(b []byte) bool { return b[0] != 0 }

// encodeDatumGeneric serializes an arbitrarily-typed Datum (Bool, Int32,
// Int64, Float64 or Varchar, null or not) as one self-delimiting part,
// for operators like Aggregation whose saved position carries a result
// row of unknown, possibly-mixed types rather than a fixed page/slot/
// index shape.
func encodeDatumGeneric(d types.Datum) []byte {
	buf := []byte{byte(d.Type())}
	if d.IsNull() {
		return append(buf, 1)
	}
	buf = append(buf, 0)
	switch d.Type() {
	case types.Bool:
		buf = append(buf, boolByte(d.Bool())...)
	case types.Int32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(d.Int32()))
		buf = append(buf, b[:]...)
	case types.Int64:
		buf = append(buf, u64Bytes(uint64(d.Int64()))...)
	case types.Float64:
		buf = append(buf, u64Bytes(math.Float64bits(d.Float64()))...)
	case types.Varchar:
		b := d.Bytes()
		buf = append(buf, u64Bytes(uint64(len(b)))...)
		buf = append(buf, b...)
	default:
		panic(fmt.Sprintf("exec: encodeDatumGeneric: unsupported type %v", d.Type()))
	}
	return buf
}

// decodeDatumGeneric inverts encodeDatumGeneric, returning the decoded
// Datum and the unconsumed remainder of buf.
func decodeDatumGeneric(buf []byte) (types.Datum, []byte) {
	t := types.ID(buf[0])
	isNull := buf[1] != 0
	buf = buf[2:]
	if isNull {
		return types.Null(t), buf
	}
	switch t {
	case types.Bool:
		return types.FromBool(readBool(buf[:1])), buf[1:]
	case types.Int32:
		return types.FromInt32(int32(binary.BigEndian.Uint32(buf[:4]))), buf[4:]
	case types.Int64:
		return types.FromInt64(int64(readU64(buf[:8]))), buf[8:]
	case types.Float64:
		return types.FromFloat64(math.Float64frombits(readU64(buf[:8]))), buf[8:]
	case types.Varchar:
		l := readU64(buf[:8])
		buf = buf[8:]
		return types.FromVarchar(string(buf[:l])), buf[l:]
	default:
		panic(fmt.Sprintf("exec: decodeDatumGeneric: unsupported type %v", t))
	}
}

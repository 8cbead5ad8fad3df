package od

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Datatype is the closed CiA 301 datatype enumeration (spec.md §3).
type Datatype uint8

const (
	BOOLEAN        Datatype = 0x01
	INTEGER8       Datatype = 0x02
	INTEGER16      Datatype = 0x03
	INTEGER32      Datatype = 0x04
	INTEGER64      Datatype = 0x15
	UNSIGNED8      Datatype = 0x05
	UNSIGNED16     Datatype = 0x06
	UNSIGNED32     Datatype = 0x07
	UNSIGNED64     Datatype = 0x1B
	REAL32         Datatype = 0x08
	REAL64         Datatype = 0x11
	VISIBLE_STRING Datatype = 0x09
	OCTET_STRING   Datatype = 0x0A
	DOMAIN         Datatype = 0x0F
)

var datatypeNames = map[Datatype]string{
	BOOLEAN:        "BOOLEAN",
	INTEGER8:       "INTEGER8",
	INTEGER16:      "INTEGER16",
	INTEGER32:      "INTEGER32",
	INTEGER64:      "INTEGER64",
	UNSIGNED8:      "UNSIGNED8",
	UNSIGNED16:     "UNSIGNED16",
	UNSIGNED32:     "UNSIGNED32",
	UNSIGNED64:     "UNSIGNED64",
	REAL32:         "REAL32",
	REAL64:         "REAL64",
	VISIBLE_STRING: "VISIBLE_STRING",
	OCTET_STRING:   "OCTET_STRING",
	DOMAIN:         "DOMAIN",
}

func (d Datatype) String() string {
	if name, ok := datatypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Datatype(%d)", uint8(d))
}

// fixedSizes holds the wire size in bytes of every numeric datatype.
var fixedSizes = map[Datatype]int{
	BOOLEAN:    1,
	INTEGER8:   1,
	INTEGER16:  2,
	INTEGER32:  4,
	INTEGER64:  8,
	UNSIGNED8:  1,
	UNSIGNED16: 2,
	UNSIGNED32: 4,
	UNSIGNED64: 8,
	REAL32:     4,
	REAL64:     8,
}

// Size returns the fixed wire size of a numeric datatype, and false
// for the variable-length string/domain datatypes.
func (d Datatype) Size() (int, bool) {
	size, ok := fixedSizes[d]
	return size, ok
}

// IsNumeric reports whether d has a fixed wire size.
func (d Datatype) IsNumeric() bool {
	_, ok := fixedSizes[d]
	return ok
}

// IsFloat reports whether d is a REAL32 or REAL64.
func (d Datatype) IsFloat() bool {
	return d == REAL32 || d == REAL64
}

// IsSigned reports whether d is one of the signed integer datatypes
// (INTEGER8..INTEGER64); BOOLEAN is not signed.
func (d Datatype) IsSigned() bool {
	switch d {
	case INTEGER8, INTEGER16, INTEGER32, INTEGER64:
		return true
	default:
		return false
	}
}

// Pack encodes value (scaled by factor for numeric types) into its
// little-endian wire representation, mirroring durand's
// Variable.pack: "value = value / factor" then truncate to int for
// non-float datatypes.
func Pack(value any, dt Datatype, factor float64) ([]byte, error) {
	if !dt.IsNumeric() {
		raw, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("od: expected []byte for %s, got %T", dt, value)
		}
		return raw, nil
	}
	if factor == 0 {
		factor = 1
	}
	size, _ := dt.Size()
	buf := make([]byte, size)

	if dt.IsFloat() {
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		f /= factor
		switch dt {
		case REAL32:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		case REAL64:
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		}
		return buf, nil
	}

	if dt == BOOLEAN {
		b, ok := value.(bool)
		if !ok {
			i, err := toInt64(value)
			if err != nil {
				return nil, err
			}
			b = i != 0
		}
		if b {
			buf[0] = 1
		}
		return buf, nil
	}

	if dt.IsSigned() {
		i, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		i = int64(float64(i) / factor)
		putSigned(buf, dt, i)
		return buf, nil
	}

	u, err := toUint64(value)
	if err != nil {
		return nil, err
	}
	u = uint64(float64(u) / factor)
	putUnsigned(buf, dt, u)
	return buf, nil
}

// Unpack decodes a little-endian wire representation into a Go value,
// scaled by factor for numeric datatypes, mirroring durand's
// Variable.unpack: "value *= factor".
func Unpack(data []byte, dt Datatype, factor float64) (any, error) {
	if !dt.IsNumeric() {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if factor == 0 {
		factor = 1
	}
	size, _ := dt.Size()
	if len(data) < size {
		return nil, fmt.Errorf("od: short buffer decoding %s: need %d got %d", dt, size, len(data))
	}

	if dt.IsFloat() {
		switch dt {
		case REAL32:
			f := math.Float32frombits(binary.LittleEndian.Uint32(data))
			return float64(f) * factor, nil
		case REAL64:
			f := math.Float64frombits(binary.LittleEndian.Uint64(data))
			return f * factor, nil
		}
	}

	if dt == BOOLEAN {
		return data[0] != 0, nil
	}

	if dt.IsSigned() {
		i := getSigned(data, dt)
		return float64(i) * factor, nil
	}

	u := getUnsigned(data, dt)
	return float64(u) * factor, nil
}

func putSigned(buf []byte, dt Datatype, v int64) {
	switch dt {
	case INTEGER8:
		buf[0] = byte(v)
	case INTEGER16:
		binary.LittleEndian.PutUint16(buf, uint16(int16(v)))
	case INTEGER32:
		binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
	case INTEGER64:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	}
}

func getSigned(data []byte, dt Datatype) int64 {
	switch dt {
	case INTEGER8:
		return int64(int8(data[0]))
	case INTEGER16:
		return int64(int16(binary.LittleEndian.Uint16(data)))
	case INTEGER32:
		return int64(int32(binary.LittleEndian.Uint32(data)))
	case INTEGER64:
		return int64(binary.LittleEndian.Uint64(data))
	}
	return 0
}

func putUnsigned(buf []byte, dt Datatype, v uint64) {
	switch dt {
	case UNSIGNED8:
		buf[0] = byte(v)
	case UNSIGNED16:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case UNSIGNED32:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case UNSIGNED64:
		binary.LittleEndian.PutUint64(buf, v)
	}
}

func getUnsigned(data []byte, dt Datatype) uint64 {
	switch dt {
	case UNSIGNED8:
		return uint64(data[0])
	case UNSIGNED16:
		return uint64(binary.LittleEndian.Uint16(data))
	case UNSIGNED32:
		return uint64(binary.LittleEndian.Uint32(data))
	case UNSIGNED64:
		return binary.LittleEndian.Uint64(data)
	}
	return 0
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("od: cannot convert %T to integer", v)
	}
}

func toUint64(v any) (uint64, error) {
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return uint64(i), nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("od: cannot convert %T to float", v)
	}
}

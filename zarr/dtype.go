package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Dtype is a numeric zarr data type. In v2 metadata it is written following
// the NumPy array protocol type string, for example "<f4":
//   - one character for the byte order: "<" little-endian, ">" big-endian,
//     "|" not relevant
//   - one character for the basic type: "b" boolean, "i" integer,
//     "u" unsigned integer, "f" floating point
//   - the number of bytes of one element
//
// Zarr v3 names the same types "float32", "int16", "bool"...
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
}

type ByteOrder rune

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

type BasicType rune

const (
	BTBoolean       BasicType = 'b'
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
)

var (
	_ json.Unmarshaler = (*Dtype)(nil)
	_ json.Marshaler   = (*Dtype)(nil)
)

// ParseDtype parses a v2 type string.
func ParseDtype(s string) (dt Dtype, err error) {
	// python writers sometimes HTML escape the byte order
	s = strings.Replace(s, "&lt;", "<", 1)
	s = strings.Replace(s, "&gt;", ">", 1)

	if len(s) < 3 {
		return dt, fmt.Errorf("invalid dtype string: %q is too short", s)
	}

	dt.ByteOrder = ByteOrder(s[0])
	switch dt.ByteOrder {
	case BONotRelevant, BOLittleEndian, BOBigEndian:
	default:
		return dt, fmt.Errorf("unsupported byte order in dtype %q", s)
	}

	dt.BasicType = BasicType(s[1])
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return dt, &UnsupportedTypeError{Dtype: s, Reason: "not a numeric type"}
	}
	dt.ByteSize = size
	if err := dt.validate(); err != nil {
		return dt, err
	}
	return dt, nil
}

// ParseDataType parses a v3 data type name. The byte order is carried by
// the "bytes" codec and defaults to little-endian.
func ParseDataType(name string) (Dtype, error) {
	dt := Dtype{ByteOrder: BOLittleEndian}
	switch {
	case name == "bool":
		dt.BasicType, dt.ByteSize = BTBoolean, 1
	case strings.HasPrefix(name, "uint"):
		dt.BasicType = BTUnsigned
		dt.ByteSize = bitsToBytes(strings.TrimPrefix(name, "uint"))
	case strings.HasPrefix(name, "int"):
		dt.BasicType = BTInteger
		dt.ByteSize = bitsToBytes(strings.TrimPrefix(name, "int"))
	case strings.HasPrefix(name, "float"):
		dt.BasicType = BTFloatingPoint
		dt.ByteSize = bitsToBytes(strings.TrimPrefix(name, "float"))
	default:
		return dt, &UnsupportedTypeError{Dtype: name, Reason: "not a numeric type"}
	}
	if err := dt.validate(); err != nil {
		return dt, err
	}
	if dt.ByteSize == 1 {
		dt.ByteOrder = BONotRelevant
	}
	return dt, nil
}

func bitsToBytes(s string) int {
	bits, err := strconv.Atoi(s)
	if err != nil || bits%8 != 0 {
		return 0
	}
	return bits / 8
}

func (dt Dtype) validate() error {
	ok := false
	switch dt.BasicType {
	case BTBoolean:
		ok = dt.ByteSize == 1
	case BTInteger, BTUnsigned:
		ok = dt.ByteSize == 1 || dt.ByteSize == 2 || dt.ByteSize == 4 || dt.ByteSize == 8
	case BTFloatingPoint:
		ok = dt.ByteSize == 4 || dt.ByteSize == 8
	}
	if !ok {
		return &UnsupportedTypeError{Dtype: dt.String(), Reason: "unsupported type or size"}
	}
	return nil
}

func (dt Dtype) String() string {
	return fmt.Sprintf("%s%s%d", string(dt.ByteOrder), string(dt.BasicType), dt.ByteSize)
}

// Name returns the v3 name of the type.
func (dt Dtype) Name() string {
	switch dt.BasicType {
	case BTBoolean:
		return "bool"
	case BTInteger:
		return fmt.Sprintf("int%d", dt.ByteSize*8)
	case BTUnsigned:
		return fmt.Sprintf("uint%d", dt.ByteSize*8)
	default:
		return fmt.Sprintf("float%d", dt.ByteSize*8)
	}
}

func (dt Dtype) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.String() + `"`), nil
}

func (dt *Dtype) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return &UnsupportedTypeError{Dtype: string(d), Reason: "structured types are not supported"}
	}
	t, err := ParseDtype(s)
	if err != nil {
		return err
	}
	*dt = t
	return nil
}

func (dt Dtype) binaryOrder() binary.ByteOrder {
	if dt.ByteOrder == BOBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decode turns raw chunk bytes into a typed slice of n elements.
func (dt Dtype) decode(raw []byte, n int) (any, error) {
	if len(raw) < n*dt.ByteSize {
		return nil, fmt.Errorf("chunk holds %d bytes, want %d", len(raw), n*dt.ByteSize)
	}
	r := bytes.NewReader(raw[:n*dt.ByteSize])
	order := dt.binaryOrder()

	var data any
	switch dt.Name() {
	case "bool":
		u := make([]uint8, n)
		if err := binary.Read(r, order, &u); err != nil {
			return nil, err
		}
		b := make([]bool, n)
		for i, v := range u {
			b[i] = v != 0
		}
		return b, nil
	case "int8":
		data = make([]int8, n)
	case "int16":
		data = make([]int16, n)
	case "int32":
		data = make([]int32, n)
	case "int64":
		data = make([]int64, n)
	case "uint8":
		data = make([]uint8, n)
	case "uint16":
		data = make([]uint16, n)
	case "uint32":
		data = make([]uint32, n)
	case "uint64":
		data = make([]uint64, n)
	case "float32":
		data = make([]float32, n)
	case "float64":
		data = make([]float64, n)
	default:
		return nil, &UnsupportedTypeError{Dtype: dt.String()}
	}
	if err := binary.Read(r, order, data); err != nil {
		return nil, err
	}
	return data, nil
}

// filled returns a typed slice of n elements all set to v.
func (dt Dtype) filled(n int, v float64) any {
	switch dt.Name() {
	case "bool":
		return fill(n, v != 0)
	case "int8":
		return fill(n, int8(v))
	case "int16":
		return fill(n, int16(v))
	case "int32":
		return fill(n, int32(v))
	case "int64":
		return fill(n, int64(v))
	case "uint8":
		return fill(n, uint8(v))
	case "uint16":
		return fill(n, uint16(v))
	case "uint32":
		return fill(n, uint32(v))
	case "uint64":
		return fill(n, uint64(v))
	case "float32":
		return fill(n, float32(v))
	default:
		return fill(n, v)
	}
}

func fill[T any](n int, v T) []T {
	s := make([]T, n)
	for i := range s {
		s[i] = v
	}
	return s
}

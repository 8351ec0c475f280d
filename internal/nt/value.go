package nt

import "fmt"

// Type tags a Value's payload and doubles as its wire type byte -- the
// sequential order here (not the classic NT_* bitmask ordering) is what the
// wire format actually uses: encoding makeDouble(0.5) at 0x0300 produces
// type byte 0x01, not 0x02. TypeNone is never a Value's own tag; it's the
// sentinel GetEntryType resolvers return for "no such entry".
type Type byte

const (
	TypeBoolean Type = iota
	TypeDouble
	TypeString
	TypeRaw
	TypeBooleanArray
	TypeDoubleArray
	TypeStringArray
	TypeRPCDefinition

	TypeNone Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeBoolean:
		return "boolean"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeRaw:
		return "raw"
	case TypeBooleanArray:
		return "array boolean"
	case TypeDoubleArray:
		return "array double"
	case TypeStringArray:
		return "array string"
	case TypeRPCDefinition:
		return "rpc"
	}
	return "none"
}

// Bit returns the type-mask bit getEntryInfo's typeMask filter uses for this
// type. These match the classic NT_BOOLEAN=0x01/NT_DOUBLE=0x02/... bitmask
// values even though the wire type byte itself is sequential, not a bitmask.
func (t Type) Bit() uint8 {
	if t > TypeRPCDefinition {
		return 0
	}
	return 1 << uint(t)
}

// Value is an immutable, tagged union. Two Values compare equal iff their
// tags and payloads compare equal -- use Equal rather than == since slice
// payloads aren't comparable with Go's built-in operator.
type Value struct {
	typ Type

	boolean bool
	double  float64
	str     string
	raw     []byte

	booleanArray []bool
	doubleArray  []float64
	stringArray  []string
}

func (v Value) Type() Type { return v.typ }

func MakeBoolean(b bool) Value         { return Value{typ: TypeBoolean, boolean: b} }
func MakeDouble(d float64) Value       { return Value{typ: TypeDouble, double: d} }
func MakeString(s string) Value        { return Value{typ: TypeString, str: s} }
func MakeRPCDefinition(b []byte) Value { return Value{typ: TypeRPCDefinition, raw: cloneBytes(b)} }

// MakeRaw preserves embedded null bytes, like the original: raw is an opaque
// byte string, not a C string.
func MakeRaw(b []byte) Value {
	return Value{typ: TypeRaw, raw: cloneBytes(b)}
}

func MakeBooleanArray(b []bool) Value {
	return Value{typ: TypeBooleanArray, booleanArray: append([]bool(nil), b...)}
}

func MakeDoubleArray(d []float64) Value {
	return Value{typ: TypeDoubleArray, doubleArray: append([]float64(nil), d...)}
}

func MakeStringArray(s []string) Value {
	return Value{typ: TypeStringArray, stringArray: append([]string(nil), s...)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (v Value) Boolean() bool { return v.boolean }
func (v Value) Double() float64 { return v.double }
func (v Value) String() string {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeBoolean:
		return fmt.Sprintf("%v", v.boolean)
	case TypeDouble:
		return fmt.Sprintf("%v", v.double)
	default:
		return fmt.Sprintf("%v(%v)", v.typ, v.GoValue())
	}
}

// Raw returns the raw byte payload, for TypeRaw and TypeRPCDefinition values.
func (v Value) Raw() []byte { return cloneBytes(v.raw) }

func (v Value) BooleanArray() []bool { return append([]bool(nil), v.booleanArray...) }
func (v Value) DoubleArray() []float64 { return append([]float64(nil), v.doubleArray...) }
func (v Value) StringArray() []string { return append([]string(nil), v.stringArray...) }

// GoValue returns the payload as a plain Go value, useful for logging and
// persistence encoding without a type switch at every call site.
func (v Value) GoValue() interface{} {
	switch v.typ {
	case TypeBoolean:
		return v.boolean
	case TypeDouble:
		return v.double
	case TypeString:
		return v.str
	case TypeRaw, TypeRPCDefinition:
		return v.raw
	case TypeBooleanArray:
		return v.booleanArray
	case TypeDoubleArray:
		return v.doubleArray
	case TypeStringArray:
		return v.stringArray
	}
	return nil
}

// Equal reports whether two Values have the same tag and payload.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}

	switch v.typ {
	case TypeBoolean:
		return v.boolean == o.boolean
	case TypeDouble:
		return v.double == o.double
	case TypeString:
		return v.str == o.str
	case TypeRaw, TypeRPCDefinition:
		return bytesEqual(v.raw, o.raw)
	case TypeBooleanArray:
		if len(v.booleanArray) != len(o.booleanArray) {
			return false
		}
		for i := range v.booleanArray {
			if v.booleanArray[i] != o.booleanArray[i] {
				return false
			}
		}
		return true
	case TypeDoubleArray:
		if len(v.doubleArray) != len(o.doubleArray) {
			return false
		}
		for i := range v.doubleArray {
			if v.doubleArray[i] != o.doubleArray[i] {
				return false
			}
		}
		return true
	case TypeStringArray:
		if len(v.stringArray) != len(o.stringArray) {
			return false
		}
		for i := range v.stringArray {
			if v.stringArray[i] != o.stringArray[i] {
				return false
			}
		}
		return true
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

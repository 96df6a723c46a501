package provider

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind tags the scalar held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt64
	KindDouble
	KindUint32
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindUint32:
		return "uint32"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is one loosely typed entry of a provider response.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	u    uint32
	b    bool
}

func String(s string) Value   { return Value{kind: KindString, s: s} }
func Int64(i int64) Value     { return Value{kind: KindInt64, i: i} }
func Double(f float64) Value  { return Value{kind: KindDouble, f: f} }
func Uint32(u uint32) Value   { return Value{kind: KindUint32, u: u} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

func (v Value) AsInt64() (int64, bool) {
	return v.i, v.kind == KindInt64
}

func (v Value) AsDouble() (float64, bool) {
	return v.f, v.kind == KindDouble
}

func (v Value) AsUint32() (uint32, bool) {
	return v.u, v.kind == KindUint32
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Float widens any numeric kind to float64. NaN is reported as absent.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindDouble:
		if math.IsNaN(v.f) {
			return 0, false
		}
		return v.f, true
	case KindInt64:
		return float64(v.i), true
	case KindUint32:
		return float64(v.u), true
	}
	return 0, false
}

// Integer narrows any numeric kind to int64. Doubles are truncated toward
// zero; non-finite doubles are rejected.
func (v Value) Integer() (int64, bool) {
	switch v.kind {
	case KindInt64:
		return v.i, true
	case KindUint32:
		return int64(v.u), true
	case KindDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) || math.Abs(v.f) >= math.MaxInt64 {
			return 0, false
		}
		return int64(v.f), true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindDouble:
		return fmt.Sprintf("%g", v.f)
	case KindUint32:
		return fmt.Sprintf("%du", v.u)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	}
	return "<invalid>"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindInt64:
		return []byte(fmt.Sprintf("%d", v.i)), nil
	case KindDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return []byte(fmt.Sprintf("%g", v.f)), nil
	case KindUint32:
		return []byte(fmt.Sprintf("%d", v.u)), nil
	case KindBool:
		return []byte(fmt.Sprintf("%t", v.b)), nil
	}
	return []byte("null"), nil
}

// Record is one unvalidated provider response. Missing keys are normal.
type Record map[string]Value

// Lookup returns the first present key among names.
func (r Record) Lookup(names ...string) (Value, string, bool) {
	for _, name := range names {
		if v, ok := r[name]; ok && v.IsValid() {
			return v, name, true
		}
	}
	return Value{}, "", false
}

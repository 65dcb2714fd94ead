package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// ValueKind discriminates the closed set of payload shapes a Value can hold.
type ValueKind int

const (
	KindNil ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
)

// String returns the lower-case kind name.
func (k ValueKind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is an immutable tagged variant carrying script payloads across the
// bridge. Constructors copy their inputs and accessors return copies, so a
// Value shared between a hook handler, an event subscriber and the native
// provider can never be mutated from under any of them.
//
// The zero Value is nil.
type Value struct {
	kind ValueKind
	data any
}

func Nil() Value                 { return Value{kind: KindNil} }
func NewBool(b bool) Value       { return Value{kind: KindBool, data: b} }
func NewInt(i int64) Value       { return Value{kind: KindInt, data: i} }
func NewFloat(f float64) Value   { return Value{kind: KindFloat, data: f} }
func NewString(s string) Value   { return Value{kind: KindString, data: s} }
func NewBytes(b []byte) Value    { return Value{kind: KindBytes, data: bytes.Clone(b)} }
func NewArray(a []Value) Value   { return Value{kind: KindArray, data: append([]Value(nil), a...)} }
func NewObject(o map[string]Value) Value {
	cp := make(map[string]Value, len(o))
	for k, v := range o {
		cp[k] = v
	}
	return Value{kind: KindObject, data: cp}
}

// Kind reports the variant held by v.
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNil() bool { return v.kind == KindNil }

func (v Value) Bool() bool {
	if v.kind == KindBool {
		return v.data.(bool)
	}
	return false
}

// Int returns the integer payload, truncating floats.
func (v Value) Int() int64 {
	switch v.kind {
	case KindInt:
		return v.data.(int64)
	case KindFloat:
		return int64(v.data.(float64))
	default:
		return 0
	}
}

// Float returns the numeric payload, widening ints.
func (v Value) Float() float64 {
	switch v.kind {
	case KindFloat:
		return v.data.(float64)
	case KindInt:
		return float64(v.data.(int64))
	default:
		return 0
	}
}

// Str returns the string payload, or "" for any other kind. Use String for a
// printable rendering of arbitrary values.
func (v Value) Str() string {
	if v.kind == KindString {
		return v.data.(string)
	}
	return ""
}

func (v Value) Bytes() []byte {
	if v.kind != KindBytes {
		return nil
	}
	return bytes.Clone(v.data.([]byte))
}

// Array returns a copy of the elements of an array value.
func (v Value) Array() []Value {
	if v.kind != KindArray {
		return nil
	}
	return append([]Value(nil), v.data.([]Value)...)
}

// Object returns a copy of the members of an object value.
func (v Value) Object() map[string]Value {
	if v.kind != KindObject {
		return nil
	}
	src := v.data.(map[string]Value)
	cp := make(map[string]Value, len(src))
	for k, e := range src {
		cp[k] = e
	}
	return cp
}

// Len returns the element count of arrays and objects, the byte length of
// strings and bytes, and 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.data.([]Value))
	case KindObject:
		return len(v.data.(map[string]Value))
	case KindString:
		return len(v.data.(string))
	case KindBytes:
		return len(v.data.([]byte))
	default:
		return 0
	}
}

// Index returns the i-th array element or nil when out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindArray {
		return Nil()
	}
	a := v.data.([]Value)
	if i < 0 || i >= len(a) {
		return Nil()
	}
	return a[i]
}

// Get returns the member named key. The boolean is false when v is not an
// object or has no such member.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Nil(), false
	}
	e, ok := v.data.(map[string]Value)[key]
	return e, ok
}

// Keys returns object member names in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	m := v.data.(map[string]Value)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of the object v with key set to e. Non-object values
// are treated as an empty object.
func (v Value) With(key string, e Value) Value {
	m := v.Object()
	if m == nil {
		m = map[string]Value{}
	}
	m[key] = e
	return Value{kind: KindObject, data: m}
}

// Equal reports deep equality. Ints and floats compare by kind first, so
// NewInt(1) and NewFloat(1) differ.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBytes:
		return bytes.Equal(v.data.([]byte), o.data.([]byte))
	case KindArray:
		a, b := v.data.([]Value), o.data.([]Value)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case KindObject:
		a, b := v.data.(map[string]Value), o.data.(map[string]Value)
		if len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, ok := b[k]
			if !ok || !av.Equal(bv) {
				return false
			}
		}
		return true
	default:
		return v.data == o.data
	}
}

// String renders strings verbatim and everything else as JSON.
func (v Value) String() string {
	if v.kind == KindString {
		return v.data.(string)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(b)
}

// ToAny converts v into plain Go values: nil, bool, int64, float64, string,
// []byte, []any and map[string]any.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNil:
		return nil
	case KindBytes:
		return v.Bytes()
	case KindArray:
		a := v.data.([]Value)
		out := make([]any, len(a))
		for i, e := range a {
			out[i] = e.ToAny()
		}
		return out
	case KindObject:
		m := v.data.(map[string]Value)
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return v.data
	}
}

// MarshalJSON encodes v as plain JSON. Bytes are base64 encoded like
// encoding/json does for []byte.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindFloat:
		f := v.data.(float64)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("value: cannot encode %v as JSON", f)
		}
	}
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON decodes arbitrary JSON. Integral numbers become KindInt,
// everything else numeric becomes KindFloat.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromAny marshals a loosely typed Go value into a Value. It accepts the
// shapes produced by encoding/json and typical script bridges, along with
// typed slices, string-keyed maps and structs (via their JSON encoding).
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Nil(), nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Nil(), nil
		}
		return *t, nil
	case bool:
		return NewBool(t), nil
	case int:
		return NewInt(int64(t)), nil
	case int8:
		return NewInt(int64(t)), nil
	case int16:
		return NewInt(int64(t)), nil
	case int32:
		return NewInt(int64(t)), nil
	case int64:
		return NewInt(t), nil
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return NewInt(int64(t)), nil
	case uint16:
		return NewInt(int64(t)), nil
	case uint32:
		return NewInt(int64(t)), nil
	case uint64:
		return fromUint(t)
	case float32:
		return NewFloat(float64(t)), nil
	case float64:
		return NewFloat(t), nil
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return NewInt(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Nil(), fmt.Errorf("value: invalid number %q: %w", t.String(), err)
		}
		return NewFloat(f), nil
	case string:
		return NewString(t), nil
	case []byte:
		return NewBytes(t), nil
	case json.RawMessage:
		var v Value
		if err := v.UnmarshalJSON(t); err != nil {
			return Nil(), err
		}
		return v, nil
	case []Value:
		return NewArray(t), nil
	case map[string]Value:
		return NewObject(t), nil
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Nil(), fmt.Errorf("value: index %d: %w", i, err)
			}
			arr[i] = ev
		}
		return Value{kind: KindArray, data: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Nil(), fmt.Errorf("value: key %q: %w", k, err)
			}
			obj[k] = ev
		}
		return Value{kind: KindObject, data: obj}, nil
	}
	return fromReflect(x)
}

// MustFromAny is FromAny for literals known to be convertible. It panics on
// error and is intended for tests and static payloads.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Nil(), fmt.Errorf("value: unsigned %d overflows int64", u)
	}
	return NewInt(int64(u)), nil
}

func fromReflect(x any) (Value, error) {
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Nil(), nil
		}
		return FromAny(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		arr := make([]Value, rv.Len())
		for i := range arr {
			ev, err := FromAny(rv.Index(i).Interface())
			if err != nil {
				return Nil(), fmt.Errorf("value: index %d: %w", i, err)
			}
			arr[i] = ev
		}
		return Value{kind: KindArray, data: arr}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Nil(), fmt.Errorf("value: unsupported map key type %s", rv.Type().Key())
		}
		obj := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ev, err := FromAny(iter.Value().Interface())
			if err != nil {
				return Nil(), fmt.Errorf("value: key %q: %w", iter.Key().String(), err)
			}
			obj[iter.Key().String()] = ev
		}
		return Value{kind: KindObject, data: obj}, nil
	case reflect.Struct:
		b, err := json.Marshal(x)
		if err != nil {
			return Nil(), fmt.Errorf("value: %T: %w", x, err)
		}
		var v Value
		if err := v.UnmarshalJSON(b); err != nil {
			return Nil(), err
		}
		return v, nil
	case reflect.String:
		return NewString(rv.String()), nil
	case reflect.Bool:
		return NewBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NewInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fromUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return NewFloat(rv.Float()), nil
	}
	return Nil(), fmt.Errorf("value: unsupported type %T", x)
}

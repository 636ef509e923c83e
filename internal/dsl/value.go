package dsl

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the dynamic type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is the tagged-variant runtime value the evaluator operates on and the shape
// that trait results are persisted as JSON. Arrays come from array literals and from
// JSON arrays decoded by FromInterface. An expression that is an array literal
// evaluates to an Array value, and a trait defined that way is persisted as a JSON
// array.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value               { return Value{kind: KindNull} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Number(n float64) Value    { return Value{kind: KindNumber, n: n} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func Array(items []Value) Value { return Value{kind: KindArray, arr: items} }

// Object constructs a host-provided structured value (e.g. the "events" or "profile"
// binding). Objects never appear in the DSL grammar as literals and are never the
// final result of a trait/segment/flag expression in a well-formed definition; they
// exist only as intermediate values during property-chain evaluation.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

func (v Value) Kind() Kind         { return v.kind }
func (v Value) IsNull() bool       { return v.kind == KindNull }
func (v Value) AsBool() bool       { return v.b }
func (v Value) AsNumber() float64  { return v.n }
func (v Value) AsString() string   { return v.s }
func (v Value) AsArray() []Value   { return v.arr }
func (v Value) AsObject() map[string]Value { return v.obj }

// Get implements property access for objects: missing keys and access on null both
// yield null; callers must check Kind() first to detect the type error case
// (property access on a non-object, non-null value).
func (v Value) Get(prop string) Value {
	if v.kind == KindNull {
		return Null()
	}
	if v.kind != KindObject {
		return Null()
	}
	if val, ok := v.obj[prop]; ok {
		return val
	}
	return Null()
}

// Truthy implements the DSL's falsy rule: falsy = false, 0, "", null, undefined.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		return v.s != ""
	case KindArray:
		return true
	case KindObject:
		return true
	default:
		return false
	}
}

// Equal implements the strict equality used by "==" / "!=" / "in": types must match.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		return v.n == other.n
	case KindString:
		return v.s == other.s
	case KindArray:
		return false // arrays never compare equal, even to an identical array
	default:
		return false
	}
}

// MarshalJSON persists a Value the way UserTrait.value is stored: a JSON scalar, or a
// JSON array for an Array value. Objects marshal as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.arr)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromInterface(raw)
	return nil
}

// FromInterface converts a decoded JSON value (as produced by encoding/json into
// interface{}) into a Value.
func FromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromInterface(e)
		}
		return Array(items)
	default:
		return Null()
	}
}

// Literal renders v as DSL source text, used by the flag dialect's trait(k)
// rewrite: strings are quoted with \" escaping, booleans/numbers use
// their lexical form, null/undefined/anything else becomes the literal null.
func (v Value) Literal() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.n)
	case KindString:
		return quoteString(v.s)
	default:
		return "null"
	}
}

func formatNumber(n float64) string {
	return fmt.Sprintf("%g", n)
}

func quoteString(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, c)
		}
	}
	out = append(out, '"')
	return string(out)
}

// Package table defines the value container exchanged between host and
// participants. A Table is an ordered sequence of key/value pairs where both
// sides are scalars (integer, float, string, bool). Order is preserved so the
// script sees entries in the order the producer emitted them; duplicate keys
// are rejected.
package table

import (
	"fmt"
	"strconv"
)

// Kind discriminates the scalar variants a table cell can hold.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged scalar. Exactly the field selected by Kind is meaningful;
// the flat layout keeps gob encoding self-describing without interface
// registration per variant.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func Int(v int64) Value      { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value  { return Value{Kind: KindFloat, Float: v} }
func String(v string) Value  { return Value{Kind: KindString, Str: v} }
func Bool(v bool) Value      { return Value{Kind: KindBool, Bool: v} }

// FromInterface converts a dynamically-typed scalar (as produced by the
// script engine's export) into a Value.
func FromInterface(v any) (Value, error) {
	switch x := v.(type) {
	case int64:
		return Int(x), nil
	case int:
		return Int(int64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	}
	return Value{}, fmt.Errorf("unsupported table value type %T", v)
}

// Interface returns the scalar as a dynamically-typed value.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBool:
		return v.Bool
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return "<invalid>"
}

// mapKey is the canonical representation used for duplicate detection. The
// kind prefix keeps Int(1) and String("1") distinct.
func (v Value) mapKey() string {
	return v.Kind.String() + ":" + v.String()
}

// Entry is one key/value pair of a Table.
type Entry struct {
	Key Value
	Val Value
}

// Table is an ordered pair sequence. The zero value is an empty table.
type Table []Entry

// FromPairs builds a Table, rejecting duplicate keys.
func FromPairs(entries []Entry) (Table, error) {
	t := Table(entries)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the duplicate-key invariant. Decoded tables from the wire
// pass through here before they reach a script VM.
func (t Table) Validate() error {
	seen := make(map[string]struct{}, len(t))
	for _, e := range t {
		k := e.Key.mapKey()
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate table key %s", e.Key)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Get returns the value stored under key, if any.
func (t Table) Get(key Value) (Value, bool) {
	want := key.mapKey()
	for _, e := range t {
		if e.Key.mapKey() == want {
			return e.Val, true
		}
	}
	return Value{}, false
}

// Len returns the number of entries.
func (t Table) Len() int { return len(t) }

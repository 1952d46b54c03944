// Copyright 2025 Joseph Cumines
//
// Tagged-union property values

package node

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ValueType is the discriminator of a Value.
type ValueType uint8

const (
	// TypeNull is the zero Value.
	TypeNull ValueType = iota
	TypeString
	TypeNumber
	TypeBool
	TypeRect
	TypeList
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBool:
		return "boolean"
	case TypeRect:
		return "rectangle"
	case TypeList:
		return "list"
	default:
		return "unknown"
	}
}

// Rect is an element frame in points.
type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Component returns a named component of the rectangle.
func (r Rect) Component(name string) (float64, bool) {
	switch name {
	case "x":
		return r.X, true
	case "y":
		return r.Y, true
	case "width":
		return r.Width, true
	case "height":
		return r.Height, true
	}
	return 0, false
}

// Value is a property value: string, number, boolean, rectangle, list or null.
// The zero Value is null. Values are immutable once constructed.
type Value struct {
	list []Value
	str  string
	rect Rect
	num  float64
	typ  ValueType
	b    bool
}

// Null returns the null Value.
func Null() Value { return Value{} }

// String returns a string Value.
func String(s string) Value { return Value{typ: TypeString, str: s} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{typ: TypeNumber, num: n} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }

// RectValue returns a rectangle Value.
func RectValue(r Rect) Value { return Value{typ: TypeRect, rect: r} }

// List returns a list Value. The slice is copied.
func List(items ...Value) Value {
	return Value{typ: TypeList, list: append([]Value(nil), items...)}
}

// Type returns the discriminator.
func (v Value) Type() ValueType { return v.typ }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.str, v.typ == TypeString }

// Num returns the numeric payload.
func (v Value) Num() (float64, bool) { return v.num, v.typ == TypeNumber }

// Boolean returns the boolean payload.
func (v Value) Boolean() (bool, bool) { return v.b, v.typ == TypeBool }

// Rect returns the rectangle payload.
func (v Value) Rect() (Rect, bool) { return v.rect, v.typ == TypeRect }

// Items returns the list payload. Callers must not modify it.
func (v Value) Items() ([]Value, bool) { return v.list, v.typ == TypeList }

// Equal is deep equality. Numbers compare by value, so 1 and 1.0 are equal.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeString:
		return v.str == o.str
	case TypeNumber:
		return v.num == o.num
	case TypeBool:
		return v.b == o.b
	case TypeRect:
		return v.rect == o.rect
	case TypeList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts v to plain Go values as produced by encoding/json.
func (v Value) Interface() any {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeNumber:
		return v.num
	case TypeBool:
		return v.b
	case TypeRect:
		return map[string]any{"x": v.rect.X, "y": v.rect.Y, "width": v.rect.Width, "height": v.rect.Height}
	case TypeList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.typ {
	case TypeString:
		return strconv.Quote(v.str)
	case TypeNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeRect:
		return fmt.Sprintf("(%g, %g) %gx%g", v.rect.X, v.rect.Y, v.rect.Width, v.rect.Height)
	case TypeList:
		return fmt.Sprintf("%v", v.Interface())
	default:
		return "null"
	}
}

// FromInterface converts a decoded JSON/YAML value into a Value. Maps are
// accepted only when they have exactly the rectangle keys.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case Rect:
		return RectValue(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, e := range t {
			iv, err := FromInterface(e)
			if err != nil {
				return Value{}, fmt.Errorf("item %d: %w", i, err)
			}
			items = append(items, iv)
		}
		return Value{typ: TypeList, list: items}, nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Value{typ: TypeList, list: items}, nil
	case map[string]any:
		return rectFromMap(t)
	}
	if f, ok := ToFloat(x); ok {
		return Number(f), nil
	}
	return Value{}, fmt.Errorf("unsupported property value type %T", x)
}

func rectFromMap(m map[string]any) (Value, error) {
	if len(m) != 4 {
		return Value{}, fmt.Errorf("object values must be rectangles with x, y, width, height (got %d keys)", len(m))
	}
	var r Rect
	for _, k := range []string{"x", "y", "width", "height"} {
		raw, ok := m[k]
		if !ok {
			return Value{}, fmt.Errorf("rectangle is missing %q", k)
		}
		f, ok := ToFloat(raw)
		if !ok {
			return Value{}, fmt.Errorf("rectangle %q must be numeric, got %T", k, raw)
		}
		switch k {
		case "x":
			r.X = f
		case "y":
			r.Y = f
		case "width":
			r.Width = f
		case "height":
			r.Height = f
		}
	}
	return RectValue(r), nil
}

// ToFloat converts any Go numeric (or json.Number) to float64.
// NaN is rejected so that comparisons stay total.
func ToFloat(x any) (float64, bool) {
	var f float64
	switch n := x.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		v, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = v
	case Value:
		return n.Num()
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	parsed, err := FromInterface(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Properties is the property map of a node.
type Properties map[string]Value

// Keys returns the property names in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Interface converts the map to plain Go values.
func (p Properties) Interface() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}

// PropertiesFrom converts a decoded map into Properties.
func PropertiesFrom(m map[string]any) (Properties, error) {
	out := make(Properties, len(m))
	for k, raw := range m {
		v, err := FromInterface(raw)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

package hyperform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Object is a decoded JSON object that keeps its keys in document order.
// Nested objects are *Object, arrays are []any, numbers are float64.
type Object struct {
	entries *orderedmap.OrderedMap[string, any]
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{entries: orderedmap.New[string, any]()}
}

// ParseObject decodes data, which must hold a JSON object.
func ParseObject(data []byte) (*Object, error) {
	v, err := DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return obj, nil
}

// DecodeJSON decodes any JSON value, representing objects as *Object.
func DecodeJSON(data []byte) (any, error) {
	if !json.Valid(data) {
		return nil, errors.New("invalid JSON document")
	}
	return decodeRaw(data)
}

func decodeRaw(raw []byte) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty JSON value")
	}
	switch raw[0] {
	case '{':
		members := orderedmap.New[string, json.RawMessage]()
		if err := json.Unmarshal(raw, members); err != nil {
			return nil, err
		}
		obj := &Object{entries: orderedmap.New[string, any]()}
		for p := members.Oldest(); p != nil; p = p.Next() {
			v, err := decodeRaw(p.Value)
			if err != nil {
				return nil, fmt.Errorf("decode %q: %w", p.Key, err)
			}
			obj.entries.Set(p.Key, v)
		}
		return obj, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		arr := make([]any, 0, len(items))
		for i, item := range items {
			v, err := decodeRaw(item)
			if err != nil {
				return nil, fmt.Errorf("decode [%d]: %w", i, err)
			}
			arr = append(arr, v)
		}
		return arr, nil
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil || o.entries == nil {
		return 0
	}
	return o.entries.Len()
}

// Keys returns the keys in document order.
func (o *Object) Keys() []string {
	if o.Len() == 0 {
		return nil
	}
	keys := make([]string, 0, o.entries.Len())
	for p := o.entries.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	if o == nil || o.entries == nil {
		return nil, false
	}
	return o.entries.Get(key)
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Set stores value under key. A new key goes last; an existing key keeps its place.
func (o *Object) Set(key string, value any) {
	if o.entries == nil {
		o.entries = orderedmap.New[string, any]()
	}
	o.entries.Set(key, value)
}

// Delete removes key.
func (o *Object) Delete(key string) {
	if o == nil || o.entries == nil {
		return
	}
	o.entries.Delete(key)
}

// Clone returns a shallow copy.
func (o *Object) Clone() *Object {
	c := &Object{entries: orderedmap.New[string, any]()}
	if o.Len() == 0 {
		return c
	}
	for p := o.entries.Oldest(); p != nil; p = p.Next() {
		c.entries.Set(p.Key, p.Value)
	}
	return c
}

// GetString returns the string stored under key.
func (o *Object) GetString(key string) (string, bool) {
	v, _ := o.Get(key)
	s, ok := v.(string)
	return s, ok
}

// GetNumber returns the number stored under key.
func (o *Object) GetNumber(key string) (float64, bool) {
	v, _ := o.Get(key)
	f, ok := v.(float64)
	return f, ok
}

// GetBool returns the boolean stored under key.
func (o *Object) GetBool(key string) (bool, bool) {
	v, _ := o.Get(key)
	b, ok := v.(bool)
	return b, ok
}

// GetArray returns the array stored under key.
func (o *Object) GetArray(key string) ([]any, bool) {
	v, _ := o.Get(key)
	a, ok := v.([]any)
	return a, ok
}

// GetObject returns the nested object stored under key.
func (o *Object) GetObject(key string) (*Object, bool) {
	v, _ := o.Get(key)
	n, ok := v.(*Object)
	return n, ok
}

// GetStrings returns the string elements of the array stored under key.
func (o *Object) GetStrings(key string) []string {
	arr, _ := o.GetArray(key)
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// MarshalJSON encodes the object preserving key order.
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	if o.entries == nil {
		return []byte("{}"), nil
	}
	return o.entries.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (o *Object) UnmarshalJSON(data []byte) error {
	parsed, err := ParseObject(data)
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

// JSONEqual compares two decoded JSON values. Object key order is ignored.
func JSONEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := toFloat(b)
		return ok && (av == bv || (math.IsNaN(av) && math.IsNaN(bv)))
	case int:
		bv, ok := toFloat(b)
		return ok && float64(av) == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !JSONEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Object:
		bv, ok := b.(*Object)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		if av.Len() == 0 {
			return true
		}
		for p := av.entries.Oldest(); p != nil; p = p.Next() {
			other, ok := bv.Get(p.Key)
			if !ok || !JSONEqual(p.Value, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

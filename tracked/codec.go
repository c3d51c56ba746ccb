package tracked

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// MarshalJSON encodes the object with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()

	var buf bytes.Buffer
	if err := encode(&buf, o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON encodes the array.
func (a *Array) MarshalJSON() ([]byte, error) {
	a.tree.mu.RLock()
	defer a.tree.mu.RUnlock()

	var buf bytes.Buffer
	if err := encode(&buf, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String returns the JSON form, or an error marker.
func (o *Object) String() string {
	data, err := o.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(data)
}

// String returns the JSON form, or an error marker.
func (a *Array) String() string {
	data, err := a.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(data)
}

// Parse decodes a JSON document into a fresh tree without an observer.
// Objects keep the document's key order; a repeated key keeps its first
// position and its last value. Numbers decode as float64, so integers
// beyond 2^53 lose precision; a number outside float64 range is malformed.
func Parse(data []byte) (any, error) {
	v, err := decode(data)
	if err != nil {
		return nil, err
	}
	t := NewTree(nil)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bind(v, nil), nil
}

// ParseObject is Parse for documents that must be a JSON object.
func ParseObject(data []byte) (*Object, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("%w: document is %s, not an object", ErrMalformedJSON, kindOf(v))
	}
	return obj, nil
}

// decode parses data into an unbound value.
func decode(data []byte) (any, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedJSON
	}
	return fromResult(gjson.ParseBytes(data))
}

func fromResult(r gjson.Result) (any, error) {
	var err error
	switch {
	case r.IsObject():
		obj := &Object{vals: make(map[string]any)}
		r.ForEach(func(k, v gjson.Result) bool {
			var val any
			if val, err = fromResult(v); err != nil {
				return false
			}
			obj.put(k.String(), val)
			return true
		})
		if err != nil {
			return nil, err
		}
		return obj, nil
	case r.IsArray():
		arr := &Array{items: []any{}}
		r.ForEach(func(_, v gjson.Result) bool {
			var item any
			if item, err = fromResult(v); err != nil {
				return false
			}
			arr.items = append(arr.items, item)
			return true
		})
		if err != nil {
			return nil, err
		}
		return arr, nil
	}

	switch r.Type {
	case gjson.True:
		return true, nil
	case gjson.False:
		return false, nil
	case gjson.Number:
		// gjson saturates out-of-range literals to ±Inf
		if math.IsInf(r.Num, 0) || math.IsNaN(r.Num) {
			return nil, fmt.Errorf("%w: number %s out of range", ErrMalformedJSON, r.Raw)
		}
		return r.Num, nil
	case gjson.String:
		return r.Str, nil
	default:
		return nil, nil
	}
}

// encode writes v as JSON. Caller holds the read lock of v's tree.
func encode(buf *bytes.Buffer, v any) error {
	switch n := v.(type) {
	case *Object:
		buf.WriteByte('{')
		for i, k := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, n.vals[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case *Array:
		buf.WriteByte('[')
		for i, item := range n.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return encodeScalar(buf, v)
	}
}

func encodeScalar(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

func kindOf(v any) string {
	switch v.(type) {
	case *Array:
		return "an array"
	case nil:
		return "null"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	default:
		return "a number"
	}
}

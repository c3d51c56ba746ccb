package tracked

import (
	"encoding/json"
	"strconv"
)

// Object is an observable string-keyed container that remembers key
// insertion order. Create objects with Tree.NewObject or NewObject; the zero
// value is not usable.
type Object struct {
	tree *Tree
	path []string
	keys []string
	vals map[string]any
	live bool
}

// Path returns the path from the root to this object.
func (o *Object) Path() []string {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()
	return clonePath(o.path)
}

// Get returns the value stored under key, or nil.
func (o *Object) Get(key string) any {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()
	return o.vals[key]
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()
	_, ok := o.vals[key]
	return ok
}

// Lookup walks path from this object. Objects are indexed by key, arrays by
// decimal index.
func (o *Object) Lookup(path ...string) (any, bool) {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()

	var cur any = o
	for _, p := range path {
		switch n := cur.(type) {
		case *Object:
			v, ok := n.vals[p]
			if !ok {
				return nil, false
			}
			cur = v
		case *Array:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(n.items) {
				return nil, false
			}
			cur = n.items[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of keys.
func (o *Object) Len() int {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()
	return len(o.keys)
}

// Set stores v under key. Containers are wrapped into this tree before they
// are stored. The write is always applied and reported, even when the value
// is unchanged. A new key is appended to the key order.
func (o *Object) Set(key string, v any) error {
	d, err := o.tree.detach(v)
	if err != nil {
		return err
	}

	o.tree.mu.Lock()
	defer o.tree.mu.Unlock()

	path := childPath(o.path, key)
	if old, ok := o.vals[key]; ok {
		release(old)
	}
	o.put(key, o.tree.bind(d, path))
	if o.live {
		o.tree.emit(OpSet, path)
	}
	return nil
}

// Delete removes key and reports whether it was present. Removing an absent
// key is not a change and is not reported.
func (o *Object) Delete(key string) bool {
	o.tree.mu.Lock()
	defer o.tree.mu.Unlock()

	old, ok := o.vals[key]
	if !ok {
		return false
	}
	release(old)
	o.remove(key)
	if o.live {
		o.tree.emit(OpDelete, childPath(o.path, key))
	}
	return true
}

// Merge copies every top-level entry of src onto o, key by key, as
// individual Sets. Existing keys keep their position; new keys are appended.
func (o *Object) Merge(src *Object) {
	keys, vals := src.fields()

	o.tree.mu.Lock()
	defer o.tree.mu.Unlock()

	for _, k := range keys {
		path := childPath(o.path, k)
		if old, ok := o.vals[k]; ok {
			release(old)
		}
		o.put(k, o.tree.bind(vals[k], path))
		if o.live {
			o.tree.emit(OpSet, path)
		}
	}
}

// Replace makes o an independent copy of src without changing o's identity:
// keys absent from src are deleted, every key of src is set, and the key
// order becomes src's order.
func (o *Object) Replace(src *Object) {
	keys, vals := src.fields()

	o.tree.mu.Lock()
	defer o.tree.mu.Unlock()

	for _, k := range o.keyOrder() {
		if _, keep := vals[k]; keep {
			continue
		}
		release(o.vals[k])
		o.remove(k)
		if o.live {
			o.tree.emit(OpDelete, childPath(o.path, k))
		}
	}

	for _, k := range keys {
		if old, ok := o.vals[k]; ok {
			release(old)
		}
	}
	o.keys = o.keys[:0]
	o.vals = make(map[string]any, len(keys))
	for _, k := range keys {
		path := childPath(o.path, k)
		o.put(k, o.tree.bind(vals[k], path))
		if o.live {
			o.tree.emit(OpSet, path)
		}
	}
}

// keyOrder copies the key order. Caller holds the tree lock.
func (o *Object) keyOrder() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Plain returns a deep copy as map[string]any.
func (o *Object) Plain() map[string]any {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()
	return o.plain()
}

// Decode unmarshals the object's JSON form into v.
func (o *Object) Decode(v any) error {
	data, err := o.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Clone returns a deep copy in a fresh tree without an observer.
func (o *Object) Clone() *Object {
	o.tree.mu.RLock()
	c := o.clone()
	o.tree.mu.RUnlock()

	t := NewTree(nil)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bind(c, nil).(*Object)
}

// fields returns an unbound deep copy of o's entries.
func (o *Object) fields() ([]string, map[string]any) {
	o.tree.mu.RLock()
	defer o.tree.mu.RUnlock()

	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	vals := make(map[string]any, len(o.vals))
	for k, v := range o.vals {
		vals[k] = cloneValue(v)
	}
	return keys, vals
}

func (o *Object) put(key string, v any) {
	if o.vals == nil {
		o.vals = make(map[string]any)
	}
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
}

func (o *Object) remove(key string) {
	delete(o.vals, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			return
		}
	}
}

func (o *Object) clone() *Object {
	c := &Object{
		keys: make([]string, len(o.keys)),
		vals: make(map[string]any, len(o.vals)),
	}
	copy(c.keys, o.keys)
	for k, v := range o.vals {
		c.vals[k] = cloneValue(v)
	}
	return c
}

func (o *Object) plain() map[string]any {
	out := make(map[string]any, len(o.vals))
	for k, v := range o.vals {
		out[k] = plainValue(v)
	}
	return out
}

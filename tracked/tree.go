package tracked

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
)

// Common errors.
var (
	ErrUnsupportedValue = errors.New("unsupported value")
	ErrMalformedJSON    = errors.New("malformed json")
	ErrIndexOutOfRange  = errors.New("index out of range")
)

// maxDepth bounds nesting while wrapping plain values; deeper input is
// treated as cyclic.
const maxDepth = 512

// Op is the kind of change reported to an Observer.
type Op int

const (
	// OpSet indicates an entry was written.
	OpSet Op = iota
	// OpDelete indicates an entry was removed.
	OpDelete
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change describes one applied mutation.
type Change struct {
	Op   Op
	Path []string
}

// Observer receives every change applied to a tree.
// It is called with the tree's write lock held.
type Observer func(Change)

// Tree is the shared lock and observer of one node graph.
type Tree struct {
	mu       sync.RWMutex
	observer Observer
}

// NewTree creates a tree reporting to observer. A nil observer is allowed.
func NewTree(observer Observer) *Tree {
	return &Tree{observer: observer}
}

// NewObject creates an empty object bound to the tree at the root path.
func (t *Tree) NewObject() *Object {
	return &Object{tree: t, vals: make(map[string]any), live: true}
}

// NewArray creates an empty array bound to the tree at the root path.
func (t *Tree) NewArray() *Array {
	return &Array{tree: t, live: true}
}

// NewObject creates an empty object in a fresh tree without an observer.
// Useful for building values to insert elsewhere.
func NewObject() *Object {
	return NewTree(nil).NewObject()
}

// NewArray creates an empty array in a fresh tree without an observer.
func NewArray() *Array {
	return NewTree(nil).NewArray()
}

// Wrap returns v as a tracked value bound to the tree under path.
// Object- and array-shaped values become nodes, recursively; primitives are
// returned unchanged. A node already bound to this tree is returned as is
// and keeps its own path; path only applies to values that are bound here.
func (t *Tree) Wrap(v any, path []string) (any, error) {
	switch n := v.(type) {
	case *Object:
		if n != nil && n.tree == t {
			return n, nil
		}
	case *Array:
		if n != nil && n.tree == t {
			return n, nil
		}
	}

	d, err := t.detach(v)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bind(d, clonePath(path)), nil
}

func (t *Tree) emit(op Op, path []string) {
	if t.observer == nil {
		return
	}
	t.observer(Change{Op: op, Path: clonePath(path)})
}

// detach converts v into a value that can be bound to t. Plain and typed
// containers become unbound nodes, nodes of other trees are copied under
// their own lock, nodes of t are returned unchanged for bind to copy.
// It never holds t's lock.
func (t *Tree) detach(v any) (any, error) {
	return t.detachDepth(v, 0)
}

func (t *Tree) detachDepth(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrUnsupportedValue, maxDepth)
	}

	switch val := v.(type) {
	case json.Number:
		return checkNumber(val)
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val, nil
	case float32:
		return checkFloat(float64(val), val)
	case float64:
		return checkFloat(val, val)
	case *Object:
		if val == nil {
			return nil, nil
		}
		if val.tree == t {
			return val, nil
		}
		if val.tree == nil {
			return val.clone(), nil
		}
		val.tree.mu.RLock()
		defer val.tree.mu.RUnlock()
		return val.clone(), nil
	case *Array:
		if val == nil {
			return nil, nil
		}
		if val.tree == t {
			return val, nil
		}
		if val.tree == nil {
			return val.clone(), nil
		}
		val.tree.mu.RLock()
		defer val.tree.mu.RUnlock()
		return val.clone(), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		obj := &Object{vals: make(map[string]any, len(val))}
		for _, k := range keys {
			child, err := t.detachDepth(val[k], depth+1)
			if err != nil {
				return nil, err
			}
			obj.put(k, child)
		}
		return obj, nil
	case []any:
		arr := &Array{items: make([]any, 0, len(val))}
		for _, item := range val {
			child, err := t.detachDepth(item, depth+1)
			if err != nil {
				return nil, err
			}
			arr.items = append(arr.items, child)
		}
		return arr, nil
	default:
		// Structs, typed maps and slices go through their JSON form so
		// field order and json tags are honoured.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedValue, v, err)
		}
		d, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedValue, v, err)
		}
		return d, nil
	}
}

// checkNumber accepts a json.Number only if it is a finite JSON number
// literal, so it can be written back verbatim.
func checkNumber(n json.Number) (any, error) {
	s := string(n)
	if s == "" || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) ||
		s[len(s)-1] < '0' || s[len(s)-1] > '9' || !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: number %q", ErrUnsupportedValue, s)
	}
	if f, err := strconv.ParseFloat(s, 64); err != nil || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: number %q out of range", ErrUnsupportedValue, s)
	}
	return n, nil
}

func checkFloat(f float64, orig any) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	return orig, nil
}

// bind attaches a detached value to t under path and returns the value to
// store. Nodes already bound to t are copied first so the graph never
// aliases. Caller holds t.mu.
func (t *Tree) bind(v any, path []string) any {
	switch n := v.(type) {
	case *Object:
		if n.tree == t {
			n = n.clone()
		}
		n.tree = t
		n.path = path
		n.live = true
		for _, k := range n.keys {
			n.vals[k] = t.bind(n.vals[k], childPath(path, k))
		}
		return n
	case *Array:
		if n.tree == t {
			n = n.clone()
		}
		n.tree = t
		n.path = path
		n.live = true
		for i, item := range n.items {
			n.items[i] = t.bind(item, childPath(path, strconv.Itoa(i)))
		}
		return n
	default:
		return v
	}
}

// release marks a removed subtree as no longer reachable from the root.
// Released nodes stay usable but their writes are not reported.
// Caller holds t.mu.
func release(v any) {
	switch n := v.(type) {
	case *Object:
		n.live = false
		for _, k := range n.keys {
			release(n.vals[k])
		}
	case *Array:
		n.live = false
		for _, item := range n.items {
			release(item)
		}
	}
}

// cloneValue deep-copies v into an unbound value. Caller holds the read
// lock of v's tree.
func cloneValue(v any) any {
	switch n := v.(type) {
	case *Object:
		return n.clone()
	case *Array:
		return n.clone()
	default:
		return v
	}
}

// plainValue deep-copies v into map[string]any / []any form. Caller holds
// the read lock of v's tree.
func plainValue(v any) any {
	switch n := v.(type) {
	case *Object:
		return n.plain()
	case *Array:
		return n.plain()
	default:
		return v
	}
}

func childPath(path []string, key string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, key)
}

func clonePath(path []string) []string {
	if path == nil {
		return nil
	}
	out := make([]string, len(path))
	copy(out, path)
	return out
}

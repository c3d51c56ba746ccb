package tracked

import (
	"fmt"
	"strconv"
)

// Array is an observable ordered list. Create arrays with Tree.NewArray or
// NewArray; the zero value is not usable.
type Array struct {
	tree  *Tree
	path  []string
	items []any
	live  bool
}

// Path returns the path from the root to this array.
func (a *Array) Path() []string {
	a.tree.mu.RLock()
	defer a.tree.mu.RUnlock()
	return clonePath(a.path)
}

// Len returns the number of elements.
func (a *Array) Len() int {
	a.tree.mu.RLock()
	defer a.tree.mu.RUnlock()
	return len(a.items)
}

// Get returns the element at i, or nil when i is out of range.
func (a *Array) Get(i int) any {
	a.tree.mu.RLock()
	defer a.tree.mu.RUnlock()
	if i < 0 || i >= len(a.items) {
		return nil
	}
	return a.items[i]
}

// Values returns a shallow copy of the elements. Nested containers are the
// live nodes.
func (a *Array) Values() []any {
	a.tree.mu.RLock()
	defer a.tree.mu.RUnlock()
	out := make([]any, len(a.items))
	copy(out, a.items)
	return out
}

// Set writes v at index i. i may equal Len, which appends.
func (a *Array) Set(i int, v any) error {
	d, err := a.tree.detach(v)
	if err != nil {
		return err
	}

	a.tree.mu.Lock()
	defer a.tree.mu.Unlock()

	if i < 0 || i > len(a.items) {
		return fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, i, len(a.items))
	}

	path := childPath(a.path, strconv.Itoa(i))
	bound := a.tree.bind(d, path)
	if i == len(a.items) {
		a.items = append(a.items, bound)
	} else {
		release(a.items[i])
		a.items[i] = bound
	}
	if a.live {
		a.tree.emit(OpSet, path)
	}
	return nil
}

// Push appends values in order, reporting one set per element. If any value
// cannot be wrapped nothing is appended.
func (a *Array) Push(vs ...any) error {
	ds := make([]any, len(vs))
	for i, v := range vs {
		d, err := a.tree.detach(v)
		if err != nil {
			return err
		}
		ds[i] = d
	}

	a.tree.mu.Lock()
	defer a.tree.mu.Unlock()

	for _, d := range ds {
		path := childPath(a.path, strconv.Itoa(len(a.items)))
		a.items = append(a.items, a.tree.bind(d, path))
		if a.live {
			a.tree.emit(OpSet, path)
		}
	}
	return nil
}

// Pop removes and returns the last element. The returned container, if any,
// is detached from the root and its writes are no longer reported.
func (a *Array) Pop() (any, bool) {
	a.tree.mu.Lock()
	defer a.tree.mu.Unlock()

	n := len(a.items)
	if n == 0 {
		return nil, false
	}
	last := a.items[n-1]
	a.items[n-1] = nil
	a.items = a.items[:n-1]
	release(last)
	if a.live {
		a.tree.emit(OpDelete, childPath(a.path, strconv.Itoa(n-1)))
	}
	return last, true
}

// Truncate shortens the array to n elements, reported as a set of
// "length". Growing is not supported.
func (a *Array) Truncate(n int) error {
	a.tree.mu.Lock()
	defer a.tree.mu.Unlock()

	if n < 0 || n > len(a.items) {
		return fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, n, len(a.items))
	}
	for i := n; i < len(a.items); i++ {
		release(a.items[i])
		a.items[i] = nil
	}
	a.items = a.items[:n]
	if a.live {
		a.tree.emit(OpSet, childPath(a.path, "length"))
	}
	return nil
}

// Plain returns a deep copy as []any.
func (a *Array) Plain() []any {
	a.tree.mu.RLock()
	defer a.tree.mu.RUnlock()
	return a.plain()
}

func (a *Array) clone() *Array {
	c := &Array{items: make([]any, len(a.items))}
	for i, v := range a.items {
		c.items[i] = cloneValue(v)
	}
	return c
}

func (a *Array) plain() []any {
	out := make([]any, len(a.items))
	for i, v := range a.items {
		out[i] = plainValue(v)
	}
	return out
}

// Package tracked provides observable JSON-shaped containers.
//
// A Tree owns one graph of Object and Array nodes plus primitive leaves
// (nil, bool, string, Go numbers, json.Number). Every mutating method on a
// node applies the change and reports it to the tree's Observer before the
// call returns, so no write to a reachable container goes unnoticed.
//
// # Wrap on insert
//
// Values inserted with Set or Push are wrapped first. Maps, slices, structs
// and nodes belonging to other trees are copied into tracked nodes bound to
// the receiving tree, so newly attached subtrees stay observable:
//
//	root := tree.NewObject()
//	root.Set("nested", map[string]any{"a": []any{1}})
//	inner, _ := root.Lookup("nested", "a")
//	inner.(*tracked.Array).Push(2) // reported as set ["nested" "a" "1"]
//
// Nodes already bound to the same tree are copied rather than aliased; the
// graph is always a tree.
//
// # Paths
//
// Changes carry the path from the root to the written or deleted entry.
// Array indices are rendered in decimal. Set and delete use the same
// convention: the path ends with the affected key.
//
// # Concurrency
//
// All nodes of a tree share one RWMutex. The observer runs while the write
// lock is held, so changes are reported in the order they are applied.
// Observers must not call back into the tree.
//
// # JSON
//
// MarshalJSON writes objects in key insertion order without HTML escaping.
// Parse builds a tree from a JSON document, keeping the document's key order.
package tracked

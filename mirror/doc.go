// Package mirror keeps a tracked object in sync with a key in an external
// key-value store.
//
// A Mirror owns a live root object. Construction wraps the default value,
// starts hydration from the stored snapshot in the background and returns
// immediately. Every change to the root re-arms a debounce timer; when the
// timer elapses the whole root is serialized and written under the key.
//
//	m, err := mirror.New(st, mirror.Config{Key: "app.state"}, map[string]any{"count": 0})
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	m.Wait(ctx)                   // optional: block until hydrated
//	m.Root().Set("count", 1)      // saved about one second later
//	m.Reset()                     // back to defaults, saved now
//
// Until hydration completes the root holds the defaults. Stored values are
// merged over them key by key, which counts as a mutation and is saved
// again. A stored document that is not a JSON object is reported as
// MALFORMED_SNAPSHOT and leaves the root untouched.
//
// Store failures never panic or stop the mirror: they are logged, delivered
// as error events and passed to Config.OnError, and the next mutation
// schedules another attempt.
//
// # Events
//
// Subscribe returns a buffered channel of Events (set, delete, reset, save,
// hydrate, error) in the order they happened. Delivery is advisory: a
// subscriber that falls behind loses events rather than stalling writers.
//
// # Leases
//
// With Config.Lease set, the mirror takes an expiring store lock on its key
// at construction and refreshes it until Close, so a second process
// mirroring the same key fails with RESOURCE_BUSY instead of silently
// overwriting it.
package mirror

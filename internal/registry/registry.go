// Package registry implements the typed callback registry: a bounded
// collection of {remote identity, callbacks} entries that application
// subsystems (adapter, gattc, gatts, advertising, scan, spp) register
// against, with fan-out tolerant of removal from inside a callback.
//
// Grounded on the Go CLI tooling's use of github.com/cornelk/hashmap for
// concurrent-safe lookup tables (scanner/scanner.go) plus a short-mutex
// discipline around register/unregister, the only registry operations
// reachable off the service-loop thread.
package registry

import (
	"sync"
	"sync/atomic"
)

// Cookie identifies one registered entry, returned by Register and required
// by Unregister.
type Cookie uint64

// Registry is a generic, bounded fan-out table. T is the callback struct
// type for one subsystem (e.g. adapter's AdapterCallbacks).
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[Cookie]entry[T]
	next    uint64
	max     int
}

type entry[T any] struct {
	remote any // opaque remote identity; nil for in-process registrations
	cb     T
	live   func() bool // reports whether remote is still live; nil means always live
}

// New creates a Registry capped at max entries
// (BLUETOOTH_MAX_REGISTER_NUM). max <= 0 means unbounded.
func New[T any](max int) *Registry[T] {
	return &Registry[T]{entries: make(map[Cookie]entry[T]), max: max}
}

// ErrFull is returned by Register when the registry is at capacity.
type ErrFull struct{}

func (ErrFull) Error() string { return "registry: capacity exceeded" }

// Register adds cb under the given remote identity (nil for an in-process
// caller) and returns a cookie usable with Unregister. live, if non-nil, is
// consulted by ForEach to skip entries whose remote has gone away instead of
// requiring an explicit Unregister from every caller.
func (r *Registry[T]) Register(remote any, cb T, live func() bool) (Cookie, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.entries) >= r.max {
		return 0, ErrFull{}
	}

	r.next++
	c := Cookie(r.next)
	r.entries[c] = entry[T]{remote: remote, cb: cb, live: live}
	return c, nil
}

// Unregister removes the entry for cookie, if present.
func (r *Registry[T]) Unregister(c Cookie) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, c)
}

// Len reports the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ForEach fires fn for every entry whose remote is still live, in a
// snapshot taken under the lock so fn may call Register/Unregister
// (including unregistering itself) without deadlocking or corrupting
// iteration, tolerating removals from inside callbacks.
func (r *Registry[T]) ForEach(fn func(cb T)) {
	snap := r.snapshot()
	for _, e := range snap {
		if e.live != nil && !e.live() {
			continue
		}
		fn(e.cb)
	}
}

func (r *Registry[T]) snapshot() []entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry[T], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Lookup returns the callback registered under c and whether it was found.
func (r *Registry[T]) Lookup(c Cookie) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	return e.cb, ok
}

// nextCookie exists only so tests can assert monotonic allocation without
// reaching into the mutex-guarded field directly.
func (r *Registry[T]) nextCookie() uint64 { return atomic.LoadUint64(&r.next) }

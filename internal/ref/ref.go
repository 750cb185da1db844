// Package ref provides manually reference-counted ownership for long-lived
// entities whose teardown releases more than memory.
package ref

import "sync/atomic"

// Counter is anything that can be shared by several owners.
type Counter interface {
	Ref()
	Unref() bool
}

// Refable is embedded by shared entities. The zero value is not usable;
// call Init before handing the entity out.
type Refable struct {
	refs    atomic.Int32
	done    atomic.Bool
	cleanup func()
}

// Init sets the count to one and records the finalizer run when the last
// owner releases the entity.
func (r *Refable) Init(cleanup func()) {
	r.cleanup = cleanup
	r.done.Store(false)
	r.refs.Store(1)
}

// Ref adds an owner.
func (r *Refable) Ref() {
	r.refs.Add(1)
}

// Unref drops an owner. It reports true when this call released the last
// reference and ran the finalizer. Calls past zero are ignored.
func (r *Refable) Unref() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n-1) {
			if n != 1 {
				return false
			}
			break
		}
	}

	if !r.done.CompareAndSwap(false, true) {
		return false
	}
	if r.cleanup != nil {
		r.cleanup()
	}
	return true
}

// Refs reports the current number of owners.
func (r *Refable) Refs() int32 {
	return r.refs.Load()
}

// Released reports whether the finalizer has run.
func (r *Refable) Released() bool {
	return r.done.Load()
}

// Release unrefs c if it is not nil. It is a convenience for deferred
// cleanup on error paths.
func Release(c Counter) {
	if c != nil {
		c.Unref()
	}
}

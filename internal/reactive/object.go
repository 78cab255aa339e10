package reactive

import (
	"fmt"

	"github.com/roach88/statecore/internal/value"
)

// Object is an observable wrapper over a value.Object.
//
// Reads inside a computed evaluation record dependencies; writes mutate
// the underlying map immediately and enqueue a property-change update so
// dependents are invalidated in the next pass.
type Object struct {
	rt       *Runtime
	id       ID
	key      uintptr
	data     value.Object
	released bool
}

// ID returns the object's tracker identity.
func (o *Object) ID() ID {
	return o.id
}

// Get returns the value at key, tracking the read.
func (o *Object) Get(key string) value.Value {
	o.rt.Track(o.id, key)
	v, ok := o.data[key]
	if !ok {
		return value.Null{}
	}
	return v
}

// Has reports whether key is present, tracking the read.
func (o *Object) Has(key string) bool {
	o.rt.Track(o.id, key)
	_, ok := o.data[key]
	return ok
}

// Child returns the wrapper for a nested object, creating it on first
// access. The second result is false when key does not hold an object.
func (o *Object) Child(key string) (*Object, bool) {
	o.rt.Track(o.id, key)
	m, ok := o.data[key].(value.Object)
	if !ok {
		return nil, false
	}
	return o.rt.wrap(m), true
}

// Set writes v at key. Writing a structurally equal value is a no-op.
func (o *Object) Set(key string, v any) error {
	var conv value.Value
	if child, ok := v.(*Object); ok {
		conv = child.data
	} else {
		var err error
		conv, err = value.From(v)
		if err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
	}

	old, existed := o.data[key]
	if existed && value.Equal(old, conv) {
		return nil
	}
	o.data[key] = conv
	o.rt.sched.Enqueue(Update{
		Kind:   KindPropertyChange,
		Target: o,
		Key:    key,
		Value:  conv,
		Old:    old,
	})
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (o *Object) Delete(key string) {
	old, existed := o.data[key]
	if !existed {
		return
	}
	delete(o.data, key)
	o.rt.sched.Enqueue(Update{
		Kind:   KindPropertyChange,
		Target: o,
		Key:    key,
		Value:  value.Null{},
		Old:    old,
	})
}

// Release drops the wrapper from the runtime's identity registry along
// with every dependency edge on it. A later Reactive call on the same map
// returns a fresh wrapper. Nested wrappers are released separately.
func (o *Object) Release() {
	if o.released {
		return
	}
	o.released = true
	if cur, ok := o.rt.objects[o.key]; ok && cur == o {
		delete(o.rt.objects, o.key)
	}
	o.rt.tracker.DropSource(o.id)
}

// Keys returns the sorted key set. Readers depend on every key.
func (o *Object) Keys() []string {
	o.rt.Track(o.id, AnyKey)
	return o.data.SortedKeys()
}

// Len returns the number of keys. Readers depend on every key.
func (o *Object) Len() int {
	o.rt.Track(o.id, AnyKey)
	return len(o.data)
}

// Raw returns the underlying map without tracking. Callers must not
// mutate it.
func (o *Object) Raw() value.Object {
	return o.data
}

// Snapshot returns a deep copy of the current contents, tracking every key.
func (o *Object) Snapshot() value.Object {
	o.rt.Track(o.id, AnyKey)
	return o.data.Clone()
}

// Commit invalidates every computed that read a changed key.
func (o *Object) Commit(p *Pass, updates []Update) {
	for _, u := range updates {
		p.Invalidate(o.rt.tracker.Dependents(o.id, u.Key)...)
	}
}

package reactive

import "slices"

// ID identifies a tracked source or computed node within one Runtime.
type ID uint64

// AnyKey is the key a reader records when it depends on every key of a
// source, such as the key set of an object.
const AnyKey = "*"

type edge struct {
	src ID
	key string
}

// Tracker records which computed nodes read which (source, key) pairs.
//
// Edges are bidirectional so a computed can drop everything it owns before
// re-evaluating, and a disposed source can drop everything pointing at it.
type Tracker struct {
	deps  map[ID]map[string]map[ID]struct{}
	owned map[ID]map[edge]struct{}
	stack []ID
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		deps:  make(map[ID]map[string]map[ID]struct{}),
		owned: make(map[ID]map[edge]struct{}),
	}
}

// Active returns the computed currently evaluating, if any.
func (t *Tracker) Active() (ID, bool) {
	if len(t.stack) == 0 {
		return 0, false
	}
	return t.stack[len(t.stack)-1], true
}

// Depth returns the evaluation nesting depth.
func (t *Tracker) Depth() int {
	return len(t.stack)
}

func (t *Tracker) push(id ID) {
	t.stack = append(t.stack, id)
}

func (t *Tracker) pop() {
	t.stack = t.stack[:len(t.stack)-1]
}

// Track records that the active computed read (src, key). Outside an
// evaluation, or when a node reads itself, it does nothing.
func (t *Tracker) Track(src ID, key string) {
	active, ok := t.Active()
	if !ok || active == src {
		return
	}

	keys := t.deps[src]
	if keys == nil {
		keys = make(map[string]map[ID]struct{})
		t.deps[src] = keys
	}
	readers := keys[key]
	if readers == nil {
		readers = make(map[ID]struct{})
		keys[key] = readers
	}
	readers[active] = struct{}{}

	edges := t.owned[active]
	if edges == nil {
		edges = make(map[edge]struct{})
		t.owned[active] = edges
	}
	edges[edge{src: src, key: key}] = struct{}{}
}

// Dependents returns the computeds that read (src, key) or (src, AnyKey),
// in ascending ID order.
func (t *Tracker) Dependents(src ID, key string) []ID {
	keys := t.deps[src]
	if keys == nil {
		return nil
	}
	set := make(map[ID]struct{})
	for id := range keys[key] {
		set[id] = struct{}{}
	}
	if key != AnyKey {
		for id := range keys[AnyKey] {
			set[id] = struct{}{}
		}
	}
	return sortedIDs(set)
}

// DependentsWhere returns the computeds that read any key of src accepted
// by match, in ascending ID order.
func (t *Tracker) DependentsWhere(src ID, match func(key string) bool) []ID {
	keys := t.deps[src]
	if keys == nil {
		return nil
	}
	set := make(map[ID]struct{})
	for key, readers := range keys {
		if !match(key) {
			continue
		}
		for id := range readers {
			set[id] = struct{}{}
		}
	}
	return sortedIDs(set)
}

// Release drops every edge owned by the computed id.
func (t *Tracker) Release(id ID) {
	for e := range t.owned[id] {
		keys := t.deps[e.src]
		if keys == nil {
			continue
		}
		readers := keys[e.key]
		delete(readers, id)
		if len(readers) == 0 {
			delete(keys, e.key)
		}
		if len(keys) == 0 {
			delete(t.deps, e.src)
		}
	}
	delete(t.owned, id)
}

// DropSource removes every edge that points at src.
func (t *Tracker) DropSource(src ID) {
	for key, readers := range t.deps[src] {
		for id := range readers {
			edges := t.owned[id]
			delete(edges, edge{src: src, key: key})
			if len(edges) == 0 {
				delete(t.owned, id)
			}
		}
	}
	delete(t.deps, src)
}

// EdgeCount returns the number of recorded (source, key, computed) edges.
func (t *Tracker) EdgeCount() int {
	n := 0
	for _, edges := range t.owned {
		n += len(edges)
	}
	return n
}

func sortedIDs(set map[ID]struct{}) []ID {
	if len(set) == 0 {
		return nil
	}
	out := make([]ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

package store

import (
	"github.com/roach88/statecore/internal/statepath"
	"github.com/roach88/statecore/internal/value"
)

// getIn walks child objects along p.
func getIn(root value.Object, p statepath.Path) (value.Value, bool) {
	var cur value.Value = root
	for _, seg := range p {
		obj, ok := cur.(value.Object)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setIn returns a copy of root with v at p. Only the objects along p are
// copied; everything else is shared. Missing or non-object intermediates
// become empty objects.
func setIn(root value.Object, p statepath.Path, v value.Value) value.Object {
	out := root.ShallowCopy()
	if len(p) == 1 {
		out[p[0]] = v
		return out
	}
	child, _ := out[p[0]].(value.Object)
	out[p[0]] = setIn(child, p[1:], v)
	return out
}

// pick copies the subtrees at paths into a new tree. Missing paths are
// skipped.
func pick(root value.Object, paths []statepath.Path) value.Object {
	out := value.Object{}
	for _, p := range paths {
		if p.IsRoot() {
			return root.Clone()
		}
		v, ok := getIn(root, p)
		if !ok {
			continue
		}
		out = setIn(out, p, value.Clone(v))
	}
	return out
}

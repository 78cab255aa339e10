package value

import "reflect"

// Equal reports whether a and b are structurally equal.
//
// Containers that share backing storage short-circuit to true, which keeps
// comparisons cheap on copy-on-write trees where untouched subtrees are
// shared. Int and Float compare numerically.
func Equal(a, b Value) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		if isNumber(ka) && isNumber(kb) {
			fa, _ := AsFloat(a)
			fb, _ := AsFloat(b)
			return fa == fb
		}
		return false
	}

	switch av := a.(type) {
	case nil, Null:
		return true
	case Bool:
		return av == b.(Bool)
	case Int:
		return av == b.(Int)
	case Float:
		return av == b.(Float)
	case String:
		return av == b.(String)
	case Array:
		bv := b.(Array)
		if len(av) != len(bv) {
			return false
		}
		if len(av) > 0 && &av[0] == &bv[0] {
			return true
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv := b.(Object)
		if len(av) != len(bv) {
			return false
		}
		if Same(av, bv) {
			return true
		}
		for k, va := range av {
			vb, ok := bv[k]
			if !ok || !Equal(va, vb) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Same reports whether two objects share the same backing map.
func Same(a, b Object) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

// Clone returns a deep copy of v. Scalars are returned as-is.
func Clone(v Value) Value {
	switch val := v.(type) {
	case nil:
		return Null{}
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		return val.Clone()
	default:
		return v
	}
}

// Clone returns a deep copy of the object.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, elem := range obj {
		out[k] = Clone(elem)
	}
	return out
}

// ShallowCopy copies the top-level map only; children stay shared.
func (obj Object) ShallowCopy() Object {
	out := make(Object, len(obj)+1)
	for k, elem := range obj {
		out[k] = elem
	}
	return out
}

func isNumber(k Kind) bool {
	return k == KindInt || k == KindFloat
}

// Package schema holds the default shape of the state tree, written in
// CUE, and validates persisted blobs against it before they are hydrated.
package schema

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/statecore/internal/value"
)

//go:embed state.cue
var defaultSource string

// Schema is a compiled state definition.
type Schema struct {
	ctx     *cue.Context
	def     cue.Value
	state   cue.Value
	persist []string
}

// SchemaError carries the CUE position of a failure when one is known.
type SchemaError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default compiles the embedded state definition.
func Default() (*Schema, error) {
	return Compile(defaultSource, "state.cue")
}

// LoadFile compiles a state definition from disk.
func LoadFile(path string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Compile(string(src), path)
}

// Compile builds a schema from CUE source. The source must define
// #State, state and persist.
func Compile(src, filename string) (*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := root.LookupPath(cue.ParsePath("#State"))
	if !def.Exists() {
		return nil, &SchemaError{Field: "#State", Message: "definition is required", Pos: root.Pos()}
	}
	state := root.LookupPath(cue.ParsePath("state"))
	if !state.Exists() {
		return nil, &SchemaError{Field: "state", Message: "state is required", Pos: root.Pos()}
	}

	s := &Schema{ctx: ctx, def: def, state: state}

	persistVal := root.LookupPath(cue.ParsePath("persist"))
	if persistVal.Exists() {
		if err := persistVal.Decode(&s.persist); err != nil {
			return nil, &SchemaError{Field: "persist", Message: err.Error(), Pos: persistVal.Pos()}
		}
	}
	return s, nil
}

// Defaults resolves every default in the state definition into a fresh
// tree. Each call returns an independent copy.
func (s *Schema) Defaults() (value.Object, error) {
	v, err := fromCUE(s.state)
	if err != nil {
		return nil, fmt.Errorf("resolve defaults: %w", err)
	}
	obj, ok := v.(value.Object)
	if !ok {
		return nil, &SchemaError{Field: "state", Message: fmt.Sprintf("must be a struct, got %s", value.KindOf(v))}
	}
	return obj, nil
}

// PersistKeys returns the allow-listed paths.
func (s *Schema) PersistKeys() []string {
	out := make([]string, len(s.persist))
	copy(out, s.persist)
	return out
}

// Validate checks that obj, which may be a partial tree, unifies with the
// state definition.
func (s *Schema) Validate(obj value.Object) error {
	enc := s.ctx.Encode(value.ToGo(obj))
	if err := enc.Err(); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	unified := s.def.Unify(enc)
	if err := unified.Validate(); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// fromCUE converts a CUE value to a value.Value, resolving defaults at
// every level.
func fromCUE(v cue.Value) (value.Value, error) {
	if d, ok := v.Default(); ok {
		v = d
	}
	switch v.Kind() {
	case cue.NullKind:
		return value.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Bool(b), nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Int(i), nil
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Float(f), nil
	case cue.StringKind:
		str, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.String(str), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := value.Array{}
		for iter.Next() {
			elem, err := fromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := value.Object{}
		for iter.Next() {
			elem, err := fromCUE(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Selector().Unquoted(), err)
			}
			obj[iter.Selector().Unquoted()] = elem
		}
		return obj, nil
	default:
		return nil, &SchemaError{
			Field:   v.Path().String(),
			Message: "value has no default and is not concrete",
			Pos:     v.Pos(),
		}
	}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &SchemaError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

package binding

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/value"
)

// Expr is a tracked expression; every reactive read inside it becomes a
// dependency of the aspect it drives.
type Expr func() (value.Value, error)

// Model is a two-way binding: Get drives the control value and control
// input is coerced and written back through Set.
type Model struct {
	Get Expr
	Set func(value.Value) error
}

// Spec lists the aspects to bind. Nil aspects are skipped.
type Spec struct {
	Text Expr
	HTML Expr
	// Attributes must produce an object; null members and keys that
	// disappear are removed from the element.
	Attributes Expr
	// Style must produce an object of property values.
	Style Expr
	// Class must produce an object of class name to truthy membership.
	Class  Expr
	Events map[string]func(Event)
	Model  *Model
}

// Binding owns the watchers and listeners created by Bind.
type Binding struct {
	watchers []*reactive.Watcher
	removers []func()
	logger   *slog.Logger
	disposed bool
}

// Bind connects spec to el. Each aspect is applied immediately. If any
// aspect fails to evaluate, everything created so far is disposed and the
// error is returned.
func Bind(rt *reactive.Runtime, el Element, spec Spec) (*Binding, error) {
	b := &Binding{logger: rt.Logger()}
	if err := b.bind(rt, el, spec); err != nil {
		b.Dispose()
		return nil, err
	}
	return b, nil
}

func (b *Binding) bind(rt *reactive.Runtime, el Element, spec Spec) error {
	if spec.Text != nil {
		if err := b.watch(rt, "text", spec.Text, func(v, _ value.Value) {
			el.SetText(display(v))
		}); err != nil {
			return err
		}
	}
	if spec.HTML != nil {
		if err := b.watch(rt, "html", spec.HTML, func(v, _ value.Value) {
			if err := el.SetHTML(display(v)); err != nil {
				b.logger.Warn("binding html rejected", "component", "binding", "error", err)
			}
		}); err != nil {
			return err
		}
	}
	if spec.Attributes != nil {
		if err := b.watch(rt, "attributes", spec.Attributes, func(v, old value.Value) {
			applyMap(v, old, func(k string, val value.Value) {
				if value.IsNull(val) {
					el.RemoveAttribute(k)
					return
				}
				el.SetAttribute(k, display(val))
			}, el.RemoveAttribute)
		}); err != nil {
			return err
		}
	}
	if spec.Style != nil {
		if err := b.watch(rt, "style", spec.Style, func(v, old value.Value) {
			applyMap(v, old, func(k string, val value.Value) {
				if s := display(val); s != "" {
					el.SetStyle(k, s)
					return
				}
				el.RemoveStyle(k)
			}, el.RemoveStyle)
		}); err != nil {
			return err
		}
	}
	if spec.Class != nil {
		if err := b.watch(rt, "class", spec.Class, func(v, old value.Value) {
			applyMap(v, old, func(k string, val value.Value) {
				el.SetClass(k, value.Truthy(val))
			}, func(k string) { el.SetClass(k, false) })
		}); err != nil {
			return err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(spec.Events)) {
		handler := spec.Events[name]
		b.removers = append(b.removers, el.Listen(name, func(ev Event) {
			b.guard("event "+name, func() { handler(ev) })
		}))
	}
	if spec.Model != nil {
		return b.bindModel(rt, el, spec.Model)
	}
	return nil
}

func (b *Binding) bindModel(rt *reactive.Runtime, el Element, m *Model) error {
	if m.Get == nil || m.Set == nil {
		return fmt.Errorf("model binding needs both Get and Set")
	}
	if err := b.watch(rt, "model", m.Get, func(v, _ value.Value) {
		el.SetValue(v)
	}); err != nil {
		return err
	}
	write := func(ev Event) {
		b.guard("model", func() {
			if err := m.Set(Coerce(el.Kind(), ev)); err != nil {
				b.logger.Warn("model write rejected", "component", "binding", "error", err)
			}
		})
	}
	b.removers = append(b.removers, el.Listen("input", write), el.Listen("change", write))
	return nil
}

func (b *Binding) watch(rt *reactive.Runtime, aspect string, fn Expr, apply func(newV, oldV value.Value)) error {
	w, err := rt.Watch(fn, func(newV, oldV value.Value) {
		b.guard(aspect, func() { apply(newV, oldV) })
	}, reactive.Immediate())
	if err != nil {
		return fmt.Errorf("bind %s: %w", aspect, err)
	}
	b.watchers = append(b.watchers, w)
	return nil
}

// guard runs fn, logging a panic instead of propagating it.
func (b *Binding) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("binding callback panicked",
				"component", "binding",
				"aspect", what,
				"panic", r)
		}
	}()
	fn()
}

// Dispose removes every listener and watcher. Safe to call repeatedly.
func (b *Binding) Dispose() {
	if b.disposed {
		return
	}
	b.disposed = true
	for _, w := range b.watchers {
		w.Dispose()
	}
	for _, remove := range b.removers {
		remove()
	}
	b.watchers = nil
	b.removers = nil
}

// applyMap calls set for every member of v and unset for members of old
// that v no longer has.
func applyMap(v, old value.Value, set func(string, value.Value), unset func(string)) {
	cur, _ := v.(value.Object)
	prev, _ := old.(value.Object)
	for _, k := range prev.SortedKeys() {
		if _, ok := cur[k]; !ok {
			unset(k)
		}
	}
	for _, k := range cur.SortedKeys() {
		set(k, cur[k])
	}
}

// Coerce converts control input to a value: checkbox to bool, number to
// float (null when empty or not a finite number), anything else to the
// raw string.
func Coerce(kind ControlKind, ev Event) value.Value {
	switch kind {
	case KindCheckbox:
		return value.Bool(ev.Checked)
	case KindNumber:
		s := strings.TrimSpace(ev.Value)
		if s == "" {
			return value.Null{}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return value.Null{}
		}
		return value.Float(f)
	}
	return value.String(ev.Value)
}

// display renders a value as element text.
func display(v value.Value) string {
	switch val := v.(type) {
	case nil, value.Null:
		return ""
	case value.String:
		return string(val)
	case value.Bool:
		return strconv.FormatBool(bool(val))
	}
	s, err := value.CanonicalString(v)
	if err != nil {
		return fmt.Sprint(value.ToGo(v))
	}
	return s
}

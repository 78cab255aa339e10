// Package binding projects reactive expressions onto presentation
// elements: text, markup, attributes, style, class membership, event
// handlers and two-way form-control models.
package binding

import (
	"maps"
	"slices"
	"strings"

	"github.com/roach88/statecore/internal/value"
)

// ControlKind selects how a model binding coerces control input.
type ControlKind int

const (
	// KindNone is a non-control element.
	KindNone ControlKind = iota
	// KindText yields the raw string.
	KindText
	// KindNumber yields a float, or null for empty or unparsable input.
	KindNumber
	// KindCheckbox yields the checked state.
	KindCheckbox
)

// Event is a presentation-originated event.
type Event struct {
	Type    string
	Value   string
	Checked bool
}

// Element is a presentation target. Implementations are not safe for
// concurrent use; bindings drive them from the owner goroutine.
type Element interface {
	SetText(text string)
	SetHTML(markup string) error
	SetAttribute(name, val string)
	RemoveAttribute(name string)
	SetStyle(prop, val string)
	RemoveStyle(prop string)
	SetClass(name string, on bool)
	SetValue(v value.Value)
	Kind() ControlKind
	// Listen registers fn for events of the given type and returns a
	// function that removes it.
	Listen(event string, fn func(Event)) func()
}

type listener struct {
	fn func(Event)
}

// base holds the state shared by Node and TermView.
type base struct {
	kind      ControlKind
	text      string
	markup    []*htmlFragment
	attrs     map[string]string
	style     map[string]string
	classes   map[string]bool
	value     value.Value
	listeners map[string][]*listener
}

func newBase(kind ControlKind) base {
	return base{
		kind:      kind,
		attrs:     make(map[string]string),
		style:     make(map[string]string),
		classes:   make(map[string]bool),
		value:     value.Null{},
		listeners: make(map[string][]*listener),
	}
}

func (b *base) SetText(text string) {
	b.text = text
	b.markup = nil
}

func (b *base) SetAttribute(name, val string) { b.attrs[name] = val }
func (b *base) RemoveAttribute(name string)   { delete(b.attrs, name) }
func (b *base) SetStyle(prop, val string)     { b.style[prop] = val }
func (b *base) RemoveStyle(prop string)       { delete(b.style, prop) }
func (b *base) SetValue(v value.Value)        { b.value = v }
func (b *base) Kind() ControlKind             { return b.kind }

func (b *base) SetClass(name string, on bool) {
	if on {
		b.classes[name] = true
	} else {
		delete(b.classes, name)
	}
}

func (b *base) Listen(event string, fn func(Event)) func() {
	l := &listener{fn: fn}
	b.listeners[event] = append(b.listeners[event], l)
	return func() {
		b.listeners[event] = slices.DeleteFunc(b.listeners[event], func(o *listener) bool { return o == l })
		if len(b.listeners[event]) == 0 {
			delete(b.listeners, event)
		}
	}
}

// Dispatch delivers ev to its listeners in registration order.
func (b *base) Dispatch(ev Event) {
	for _, l := range slices.Clone(b.listeners[ev.Type]) {
		l.fn(ev)
	}
}

// Text returns the text content, including text inside bound markup.
func (b *base) Text() string {
	if b.markup != nil {
		var sb strings.Builder
		for _, f := range b.markup {
			f.text(&sb)
		}
		return sb.String()
	}
	return b.text
}

// Attr returns an attribute value.
func (b *base) Attr(name string) (string, bool) {
	v, ok := b.attrs[name]
	return v, ok
}

// Style returns a style property.
func (b *base) Style(prop string) string { return b.style[prop] }

// HasClass reports class membership.
func (b *base) HasClass(name string) bool { return b.classes[name] }

// Classes returns the active classes in sorted order.
func (b *base) Classes() []string {
	return slices.Sorted(maps.Keys(b.classes))
}

// Value returns the control value.
func (b *base) Value() value.Value { return b.value }

// ListenerCount reports listeners for event, or all listeners when event
// is empty.
func (b *base) ListenerCount(event string) int {
	if event != "" {
		return len(b.listeners[event])
	}
	n := 0
	for _, ls := range b.listeners {
		n += len(ls)
	}
	return n
}

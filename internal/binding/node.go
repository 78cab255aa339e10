package binding

import (
	"maps"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/roach88/statecore/internal/value"
)

// Ensure Node implements Element at compile time.
var _ Element = (*Node)(nil)

// Node is an in-memory DOM element.
type Node struct {
	base
	tag string
}

// NewNode returns an element with the given tag. Input controls get a
// kind from their type: checkbox, number and anything else as text.
func NewNode(tag string, kind ControlKind) *Node {
	return &Node{base: newBase(kind), tag: strings.ToLower(tag)}
}

// Tag returns the element name.
func (n *Node) Tag() string { return n.tag }

// InnerHTML renders the element's children.
func (n *Node) InnerHTML() (string, error) {
	var sb strings.Builder
	for _, child := range n.children() {
		s, err := renderNode(child)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// Render serializes the element with attributes in sorted order.
func (n *Node) Render() (string, error) {
	el := &html.Node{
		Type:     html.ElementNode,
		Data:     n.tag,
		DataAtom: atom.Lookup([]byte(n.tag)),
		Attr:     n.renderAttrs(),
	}
	for _, child := range n.children() {
		el.AppendChild(child)
	}
	return renderNode(el)
}

func (n *Node) children() []*html.Node {
	if n.markup != nil {
		out := make([]*html.Node, len(n.markup))
		for i, f := range n.markup {
			out[i] = cloneNode(f.node)
		}
		return out
	}
	if n.text == "" {
		return nil
	}
	return []*html.Node{{Type: html.TextNode, Data: n.text}}
}

func (n *Node) renderAttrs() []html.Attribute {
	attrs := maps.Clone(n.attrs)
	classes := make(map[string]bool)
	for _, c := range strings.Fields(attrs["class"]) {
		classes[c] = true
	}
	for c := range n.classes {
		classes[c] = true
	}
	delete(attrs, "class")
	if len(classes) > 0 {
		attrs["class"] = strings.Join(slices.Sorted(maps.Keys(classes)), " ")
	}
	if len(n.style) > 0 {
		parts := make([]string, 0, len(n.style))
		for _, k := range slices.Sorted(maps.Keys(n.style)) {
			parts = append(parts, k+": "+n.style[k])
		}
		attrs["style"] = strings.Join(parts, "; ")
	}
	switch n.kind {
	case KindCheckbox:
		delete(attrs, "checked")
		if value.Truthy(n.value) {
			attrs["checked"] = ""
		}
	case KindText, KindNumber:
		attrs["value"] = display(n.value)
	}
	out := make([]html.Attribute, 0, len(attrs))
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		out = append(out, html.Attribute{Key: k, Val: attrs[k]})
	}
	return out
}

// Input dispatches an input event carrying raw, as typing would.
func (n *Node) Input(raw string) {
	n.Dispatch(Event{Type: "input", Value: raw})
}

// Toggle simulates clicking a checkbox.
func (n *Node) Toggle(checked bool) {
	n.Dispatch(Event{Type: "change", Checked: checked})
}

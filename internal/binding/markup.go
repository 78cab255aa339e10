package binding

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// blockedElements are dropped with their content when markup is bound.
var blockedElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Iframe: true,
	atom.Object: true,
	atom.Embed:  true,
	atom.Link:   true,
	atom.Meta:   true,
	atom.Base:   true,
}

var urlAttributes = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"formaction": true,
	"xlink:href": true,
}

// htmlFragment is one sanitized top-level node of bound markup.
type htmlFragment struct {
	node *html.Node
}

func (f *htmlFragment) text(sb *strings.Builder) {
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(f.node)
}

// parseMarkup parses a fragment in a <div> context and strips active
// content: blocked elements, event handler attributes and javascript:
// URLs.
func parseMarkup(markup string) ([]*htmlFragment, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	out := make([]*htmlFragment, 0, len(nodes))
	for _, n := range nodes {
		if !keepNode(n) {
			continue
		}
		sanitize(n)
		out = append(out, &htmlFragment{node: n})
	}
	return out, nil
}

func keepNode(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return false
	case html.ElementNode:
		return !blockedElements[n.DataAtom]
	}
	return true
}

func sanitize(n *html.Node) {
	if n.Type == html.ElementNode {
		attrs := n.Attr[:0]
		for _, a := range n.Attr {
			key := strings.ToLower(a.Key)
			if strings.HasPrefix(key, "on") {
				continue
			}
			if urlAttributes[key] && unsafeURL(a.Val) {
				continue
			}
			attrs = append(attrs, a)
		}
		n.Attr = attrs
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if keepNode(c) {
			sanitize(c)
		} else {
			n.RemoveChild(c)
		}
		c = next
	}
}

func unsafeURL(raw string) bool {
	u := strings.ToLower(strings.Join(strings.Fields(raw), ""))
	return strings.HasPrefix(u, "javascript:") || strings.HasPrefix(u, "vbscript:") ||
		(strings.HasPrefix(u, "data:") && !strings.HasPrefix(u, "data:image/"))
}

func cloneNode(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.AppendChild(cloneNode(child))
	}
	return c
}

func renderNode(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (b *base) SetHTML(markup string) error {
	frags, err := parseMarkup(markup)
	if err != nil {
		return err
	}
	b.markup = frags
	b.text = ""
	return nil
}

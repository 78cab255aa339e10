package binding

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/statecore/internal/value"
)

// Ensure TermView implements Element at compile time.
var _ Element = (*TermView)(nil)

// TermView is a terminal element rendered with lipgloss. Style properties
// understood: color, background, bold, italic, underline, width, padding,
// align and border. The "hidden" class hides the view.
type TermView struct {
	base
	label string
}

// NewTermView returns a view; label prefixes control values.
func NewTermView(label string, kind ControlKind) *TermView {
	return &TermView{base: newBase(kind), label: label}
}

// Render draws the view.
func (v *TermView) Render() string {
	if v.classes["hidden"] {
		return ""
	}
	return v.lipglossStyle().Render(v.content())
}

func (v *TermView) content() string {
	switch v.kind {
	case KindCheckbox:
		box := "[ ]"
		if value.Truthy(v.value) {
			box = "[x]"
		}
		return strings.TrimSpace(box + " " + v.label)
	case KindText, KindNumber:
		if v.label == "" {
			return display(v.value)
		}
		return v.label + ": " + display(v.value)
	}
	if title, ok := v.attrs["title"]; ok && title != "" {
		return title + "\n" + v.Text()
	}
	return v.Text()
}

func (v *TermView) lipglossStyle() lipgloss.Style {
	s := lipgloss.NewStyle()
	if c := v.style["color"]; c != "" {
		s = s.Foreground(lipgloss.Color(c))
	}
	if c := v.style["background"]; c != "" {
		s = s.Background(lipgloss.Color(c))
	}
	s = s.Bold(styleFlag(v.style["bold"]) || v.classes["active"])
	s = s.Italic(styleFlag(v.style["italic"]))
	s = s.Underline(styleFlag(v.style["underline"]))
	if v.classes["selected"] {
		s = s.Reverse(true)
	}
	if w, err := strconv.Atoi(v.style["width"]); err == nil && w > 0 {
		s = s.Width(w)
	}
	if p, err := strconv.Atoi(v.style["padding"]); err == nil && p > 0 {
		s = s.Padding(0, p)
	}
	switch v.style["align"] {
	case "center":
		s = s.Align(lipgloss.Center)
	case "right":
		s = s.Align(lipgloss.Right)
	}
	switch v.style["border"] {
	case "":
	case "rounded":
		s = s.Border(lipgloss.RoundedBorder())
	case "double":
		s = s.Border(lipgloss.DoubleBorder())
	default:
		s = s.Border(lipgloss.NormalBorder())
	}
	return s
}

func styleFlag(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "bold", "italic", "underline":
		return true
	}
	return false
}

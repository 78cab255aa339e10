// Package statepath parses and compares dot-delimited state tree paths.
//
// Paths are validated once at the boundary so invalid input fails at call
// time instead of silently addressing nothing.
package statepath

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard is the segment that matches every path in subscriptions.
const Wildcard = "*"

// ErrInvalidPath is wrapped by every parse failure.
var ErrInvalidPath = errors.New("invalid path")

// Path is a parsed sequence of keys. The empty Path addresses the root.
type Path []string

// Parse splits s on dots. Empty segments ("a..b", ".a", "a.") are rejected.
// The empty string parses to the root path.
func Parse(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	segs := strings.Split(s, ".")
	for i, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("%w %q: empty segment at %d", ErrInvalidPath, s, i)
		}
		if strings.TrimSpace(seg) != seg {
			return nil, fmt.Errorf("%w %q: segment %q has surrounding whitespace", ErrInvalidPath, s, seg)
		}
	}
	return Path(segs), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String joins the segments with dots.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// IsRoot reports whether p addresses the whole tree.
func (p Path) IsRoot() bool {
	return len(p) == 0
}

// IsWildcard reports whether p is the single-segment wildcard.
func (p Path) IsWildcard() bool {
	return len(p) == 1 && p[0] == Wildcard
}

// Equal reports segment-wise equality.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether p is equal to or an ancestor of other.
func (p Path) IsPrefixOf(other Path) bool {
	if len(p) > len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Related reports whether one path is a prefix of the other. The wildcard
// is related to everything.
func (p Path) Related(other Path) bool {
	if p.IsWildcard() || other.IsWildcard() {
		return true
	}
	return p.IsPrefixOf(other) || other.IsPrefixOf(p)
}

// Parent returns p without its last segment. The root's parent is the root.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return p
	}
	return p[:len(p)-1:len(p)-1]
}

// Ancestors returns every strict, non-root prefix of p, nearest first.
func (p Path) Ancestors() []Path {
	if len(p) < 2 {
		return nil
	}
	out := make([]Path, 0, len(p)-1)
	for n := len(p) - 1; n >= 1; n-- {
		out = append(out, p[:n:n])
	}
	return out
}

// Append returns a new path with segs added. p is not modified.
func (p Path) Append(segs ...string) Path {
	out := make(Path, 0, len(p)+len(segs))
	out = append(out, p...)
	return append(out, segs...)
}

// Last returns the final segment, or "" for the root.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// ParseAll parses each string, failing on the first invalid one.
func ParseAll(ss []string) ([]Path, error) {
	out := make([]Path, 0, len(ss))
	for _, s := range ss {
		p, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// AnyRelated reports whether any path in as is related to any in bs.
func AnyRelated(as, bs []Path) bool {
	for _, a := range as {
		for _, b := range bs {
			if a.Related(b) {
				return true
			}
		}
	}
	return false
}

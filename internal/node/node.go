// Copyright 2025 Joseph Cumines
//
// Package node is the serializable element tree and its path-addressing rules.
//
// A Path is the sequence of child indices from the snapshot root, rendered as a
// dotted string ("0.2.1"). The root's path is the empty string. Paths are only
// meaningful within the snapshot that produced them: two builds yield the same
// paths if and only if the tree shape did not change in between.
package node

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joeycumines/uiinspector/internal/uierror"
)

// RootKind is the kind given to the synthetic root of an empty tree.
const RootKind = "Root"

// Node is one element of a snapshot.
type Node struct {
	Properties Properties `json:"properties"`
	Path       string     `json:"path"`
	Kind       string     `json:"kind"`
	Children   []*Node    `json:"children,omitempty"`
}

// Flat is a node without its children, used wherever a response describes a
// single element.
type Flat struct {
	Properties Properties `json:"properties"`
	Path       string     `json:"path"`
	Kind       string     `json:"kind"`
	ChildCount int        `json:"childCount"`
}

// Path is a parsed node path.
type Path []int

// ParsePath parses a dotted path. The empty string is the root.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Path{}, nil
	}
	parts := strings.Split(s, ".")
	p := make(Path, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || !isIndex(part) {
			return nil, uierror.New(uierror.NotFound, "parse path", "invalid segment %q in path %q", part, s)
		}
		p[i] = n
	}
	return p, nil
}

// isIndex accepts canonical non-negative decimals only, so that every node
// has exactly one spelling of its path.
func isIndex(s string) bool {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for i, n := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// Child returns the path of the i-th child of p.
func (p Path) Child(i int) Path {
	c := make(Path, len(p), len(p)+1)
	copy(c, p)
	return append(c, i)
}

// ChildPath is Path.Child over rendered paths.
func ChildPath(parent string, i int) string {
	if parent == "" {
		return strconv.Itoa(i)
	}
	return parent + "." + strconv.Itoa(i)
}

// Depth returns the number of segments in a rendered path.
func Depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, ".") + 1
}

// EmptyRoot returns the root used when the live tree has no elements.
func EmptyRoot() *Node {
	return &Node{Kind: RootKind, Properties: Properties{}}
}

// CheckChildren reports the first nil child under root. A nil child has no
// path of its own, and dropping it would renumber its later siblings away
// from the live tree.
func CheckChildren(root *Node) error {
	var check func(n *Node, path string) error
	check = func(n *Node, path string) error {
		for i, c := range n.Children {
			if c == nil {
				return fmt.Errorf("element %q has a nil child at index %d", path, i)
			}
			if err := check(c, ChildPath(path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	if root == nil {
		return nil
	}
	return check(root, "")
}

// AssignPaths assigns paths to every node in pre-order, starting at root (""),
// and returns the nodes in that order. Children must be non-nil, see
// CheckChildren; nil entries are skipped without renumbering their siblings.
func AssignPaths(root *Node) []*Node {
	if root == nil {
		return nil
	}
	var order []*Node
	var walk func(n *Node, path string)
	walk = func(n *Node, path string) {
		n.Path = path
		if n.Properties == nil {
			n.Properties = Properties{}
		}
		order = append(order, n)
		for i, c := range n.Children {
			if c != nil {
				walk(c, ChildPath(path, i))
			}
		}
	}
	walk(root, "")
	return order
}

// FindByPath descends the dotted index sequence from root.
func FindByPath(root *Node, path string) (*Node, error) {
	if root == nil {
		return nil, uierror.New(uierror.NotFound, "find by path", "no tree").WithPath(path)
	}
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	n := root
	for depth, idx := range p {
		if idx >= len(n.Children) {
			return nil, uierror.New(uierror.NotFound, "find by path",
				"index %d out of range at depth %d (%d children)", idx, depth, len(n.Children)).WithPath(path)
		}
		n = n.Children[idx]
		if n == nil {
			return nil, uierror.New(uierror.NotFound, "find by path", "nil element at depth %d", depth).WithPath(path)
		}
	}
	return n, nil
}

// Flatten returns n's description without children.
func Flatten(n *Node) Flat {
	props := make(Properties, len(n.Properties))
	for k, v := range n.Properties {
		props[k] = v
	}
	return Flat{
		Path:       n.Path,
		Kind:       n.Kind,
		Properties: props,
		ChildCount: len(n.Children),
	}
}

// FlattenAll flattens every node, preserving order. The result is never nil.
func FlattenAll(nodes []*Node) []Flat {
	out := make([]Flat, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Flatten(n))
	}
	return out
}

// Walk visits root and its descendants in pre-order. Returning false from fn
// stops the walk; Walk reports whether it ran to completion.
func Walk(root *Node, fn func(*Node) bool) bool {
	if root == nil {
		return true
	}
	if !fn(root) {
		return false
	}
	for _, c := range root.Children {
		if !Walk(c, fn) {
			return false
		}
	}
	return true
}

// Count returns the number of nodes under and including root.
func Count(root *Node) int {
	n := 0
	Walk(root, func(*Node) bool {
		n++
		return true
	})
	return n
}

// Clone deep-copies the tree. Values are immutable so they are shared.
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	c := &Node{
		Path:       n.Path,
		Kind:       n.Kind,
		Properties: make(Properties, len(n.Properties)),
	}
	for k, v := range n.Properties {
		c.Properties[k] = v
	}
	if len(n.Children) > 0 {
		c.Children = make([]*Node, 0, len(n.Children))
		for _, child := range n.Children {
			c.Children = append(c.Children, Clone(child))
		}
	}
	return c
}

// Lookup resolves a property path against the node.
//
// An exact key wins. Otherwise the longest dotted prefix that names a
// rectangle resolves the remaining segment as a rectangle component, so both
// {"frame.width": 10} and {"frame": Rect{Width: 10}} answer "frame.width".
// "kind" and "path" fall back to the node's own fields.
func (n *Node) Lookup(path string) (Value, bool) {
	if v, ok := n.Properties[path]; ok {
		return v, true
	}
	for i := strings.LastIndexByte(path, '.'); i > 0; i = strings.LastIndexByte(path[:i], '.') {
		base, ok := n.Properties[path[:i]]
		if !ok {
			continue
		}
		r, ok := base.Rect()
		if !ok {
			return Value{}, false
		}
		f, ok := r.Component(path[i+1:])
		if !ok {
			return Value{}, false
		}
		return Number(f), true
	}
	switch path {
	case "kind":
		return String(n.Kind), true
	case "path":
		return String(n.Path), true
	}
	return Value{}, false
}

// Lookup is Node.Lookup for flat nodes.
func (f Flat) Lookup(path string) (Value, bool) {
	n := Node{Path: f.Path, Kind: f.Kind, Properties: f.Properties}
	return n.Lookup(path)
}

// Copyright 2025 Joseph Cumines
//
// Package fixture is a ViewProvider backed by a declarative element tree.
//
// The tree is loaded from YAML (or JSON, which YAML accepts) and owned by a
// single UI goroutine, the way a real toolkit owns its view hierarchy. Actions
// mutate the live tree: taps are counted, text inputs accept setText and
// clearText, disabled elements refuse every action. Per-element behavior can
// delay or fail actions, which makes the provider suitable for exercising
// timeouts and stale handles end to end.
package fixture

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/joeycumines/uiinspector/internal/node"
)

// Element is one live element of a fixture tree.
type Element struct {
	Properties map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
	id         string
	Kind       string     `yaml:"kind" json:"kind"`
	Children   []*Element `yaml:"children,omitempty" json:"children,omitempty"`
	Behavior   Behavior   `yaml:"behavior,omitempty" json:"behavior,omitempty"`
}

// Behavior alters how an element responds to actions.
type Behavior struct {
	// Fail makes every action on the element fail with this message.
	Fail string `yaml:"fail,omitempty" json:"fail,omitempty"`
	// Delay postpones completion of every action on the element.
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	// Hang makes actions never complete.
	Hang bool `yaml:"hang,omitempty" json:"hang,omitempty"`
}

// ID returns the element's live identity. It changes whenever the tree is
// reloaded, so handles issued before a reload become stale.
func (e *Element) ID() string { return e.id }

// Parse decodes a fixture tree and validates it.
func Parse(data []byte) (*Element, error) {
	var root Element
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding fixture: %w", err)
	}
	if err := prepare(&root, ""); err != nil {
		return nil, err
	}
	return &root, nil
}

// Load reads and parses a fixture file.
func Load(path string) (*Element, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture %s: %w", path, err)
	}
	root, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return root, nil
}

// prepare assigns live identities and checks every property converts to a
// node value.
func prepare(e *Element, path string) error {
	if e.Kind == "" {
		return fmt.Errorf("element %q has no kind", path)
	}
	if _, err := node.PropertiesFrom(e.Properties); err != nil {
		return fmt.Errorf("element %q: %w", path, err)
	}
	if v, ok := e.Properties["maxLength"]; ok {
		if n, ok := node.ToFloat(v); !ok || !(n >= 0) {
			return fmt.Errorf("element %q: maxLength must be a non-negative number, got %v", path, v)
		}
	}
	e.id = uuid.NewString()
	kept := e.Children[:0]
	for _, c := range e.Children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	e.Children = kept
	for i, c := range e.Children {
		if err := prepare(c, node.ChildPath(path, i)); err != nil {
			return err
		}
	}
	return nil
}

// at returns the element at a dotted path, or nil.
func at(root *Element, path string) *Element {
	if root == nil {
		return nil
	}
	p, err := node.ParsePath(path)
	if err != nil {
		return nil
	}
	e := root
	for _, idx := range p {
		if idx >= len(e.Children) {
			return nil
		}
		e = e.Children[idx]
	}
	return e
}

// byID returns the element with the given identity and its current path.
func byID(root *Element, id string) (*Element, string) {
	var find func(e *Element, path string) (*Element, string)
	find = func(e *Element, path string) (*Element, string) {
		if e.id == id {
			return e, path
		}
		for i, c := range e.Children {
			if found, p := find(c, node.ChildPath(path, i)); found != nil {
				return found, p
			}
		}
		return nil, ""
	}
	if root == nil {
		return nil, ""
	}
	return find(root, "")
}

// toNode copies the element tree into a node tree.
func toNode(e *Element) *node.Node {
	props, err := node.PropertiesFrom(e.Properties)
	if err != nil {
		// values are validated on load and only replaced with valid ones
		props = node.Properties{}
	}
	n := &node.Node{Kind: e.Kind, Properties: props}
	for _, c := range e.Children {
		n.Children = append(n.Children, toNode(c))
	}
	return n
}

var errDisabled = errors.New("element is disabled")

func (e *Element) disabled() bool {
	if v, ok := e.Properties["enabled"].(bool); ok && !v {
		return true
	}
	v, _ := e.Properties["disabled"].(bool)
	return v
}

func (e *Element) editable() bool {
	if v, ok := e.Properties["editable"].(bool); ok {
		return v
	}
	return e.Kind == "TextInput"
}

func (e *Element) counter(key string) int {
	n, _ := node.ToFloat(e.Properties[key])
	return int(n)
}

func (e *Element) set(key string, value any) {
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	e.Properties[key] = value
}

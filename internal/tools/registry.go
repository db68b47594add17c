// Package tools composes named tool sources into one registry the engine can
// call into. Composition fails on any name collision instead of shadowing.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Handler runs one tool call and returns its textual output.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Handler     Handler         `json:"-"`
}

// Source is a named group of tools, e.g. a built-in or a remote provider.
type Source struct {
	Name  string
	Tools []Tool
}

// CollisionError reports a tool name exposed twice. First and Second name
// the sources; they are equal when one source repeats a name.
type CollisionError struct {
	Tool   string
	First  string
	Second string
}

func (e *CollisionError) Error() string {
	if e.First == e.Second {
		return fmt.Sprintf("tool %q is defined twice by source %q", e.Tool, e.First)
	}
	return fmt.Sprintf("tool %q is exposed by both %q and %q", e.Tool, e.First, e.Second)
}

type Registry struct {
	tools  map[string]Tool
	origin map[string]string
	order  []string
}

// Compose merges sources in order. The zero-source registry is valid and empty.
func Compose(sources ...Source) (*Registry, error) {
	r := &Registry{tools: map[string]Tool{}, origin: map[string]string{}}
	for _, src := range sources {
		for _, t := range src.Tools {
			if t.Name == "" {
				return nil, fmt.Errorf("source %q: tool without a name", src.Name)
			}
			if first, ok := r.origin[t.Name]; ok {
				return nil, &CollisionError{Tool: t.Name, First: first, Second: src.Name}
			}
			r.tools[t.Name] = t
			r.origin[t.Name] = src.Name
			r.order = append(r.order, t.Name)
		}
	}
	return r, nil
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Names returns tool names sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Tools returns the tool definitions in composition order.
func (r *Registry) Tools() []Tool {
	if r == nil {
		return nil
	}
	out := make([]Tool, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n])
	}
	return out
}

// SourceOf returns the name of the source that contributed tool.
func (r *Registry) SourceOf(tool string) (string, bool) {
	if r == nil {
		return "", false
	}
	s, ok := r.origin[tool]
	return s, ok
}

func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if r == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	t, ok := r.tools[name]
	if !ok || t.Handler == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return t.Handler(ctx, input)
}

// Catalog maps source names to the sources a task may request.
type Catalog map[string]Source

func (c Catalog) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Compose builds a registry from the named sources in the given order.
func (c Catalog) Compose(names []string) (*Registry, error) {
	srcs := make([]Source, 0, len(names))
	for _, n := range names {
		src, ok := c[n]
		if !ok {
			return nil, fmt.Errorf("unknown tool source %q", n)
		}
		srcs = append(srcs, src)
	}
	return Compose(srcs...)
}

// Names returns the catalog's source names sorted.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c))
	for n := range c {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

package turnflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Category classifies what kind of work a capability performs. The workflow
// tracker and router reason about categories, never about tool names.
type Category int

const (
	CategoryGeneral Category = iota
	// CategoryEnumerate lists available items. Once-only: a run never needs
	// a second listing after one succeeded.
	CategoryEnumerate
	// CategoryFetch retrieves one item by identifier (usually after an enumeration).
	CategoryFetch
	// CategorySearch runs an external/full-text search.
	CategorySearch
	// CategoryExtract pulls content out of a search hit (usually after a search).
	CategoryExtract
)

func (c Category) String() string {
	switch c {
	case CategoryEnumerate:
		return "enumerate"
	case CategoryFetch:
		return "fetch"
	case CategorySearch:
		return "search"
	case CategoryExtract:
		return "extract"
	default:
		return "general"
	}
}

// ParseCategory maps a config string to a Category. Unknown values are general.
func ParseCategory(s string) Category {
	switch s {
	case "enumerate", "list":
		return CategoryEnumerate
	case "fetch", "get":
		return CategoryFetch
	case "search":
		return CategorySearch
	case "extract":
		return CategoryExtract
	default:
		return CategoryGeneral
	}
}

// InvokeFunc executes a capability with already-validated arguments.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Capability is a named, schema-typed tool the model can call.
type Capability struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the arguments object. Empty means any object.
	Schema   json.RawMessage
	Category Category
	// Canonical derives the cache key suffix from decoded args. Nil uses FullArgs().
	Canonical Canonicalizer
	Invoke    InvokeFunc
}

type boundCapability struct {
	Capability
	schema *jsonschema.Schema // nil when Schema is empty
}

// Registry holds capabilities resolved once at construction. Schemas are
// compiled up front so a malformed tool definition fails fast, not mid-run.
type Registry struct {
	caps  map[string]*boundCapability
	order []string
}

// NewRegistry validates and compiles the given capabilities.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[string]*boundCapability, len(caps))}
	for _, c := range caps {
		if c.Name == "" {
			return nil, errors.New("capability with empty name")
		}
		if c.Invoke == nil {
			return nil, fmt.Errorf("capability %q: nil Invoke", c.Name)
		}
		if _, dup := r.caps[c.Name]; dup {
			return nil, fmt.Errorf("capability %q registered twice", c.Name)
		}
		bc := &boundCapability{Capability: c}
		if len(c.Schema) > 0 {
			s, err := compileSchema(c.Name, c.Schema)
			if err != nil {
				return nil, fmt.Errorf("capability %q: %w", c.Name, err)
			}
			bc.schema = s
		}
		if bc.Canonical == nil {
			bc.Canonical = FullArgs()
		}
		r.caps[c.Name] = bc
		r.order = append(r.order, c.Name)
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error, for static tool sets.
func MustRegistry(caps ...Capability) *Registry {
	r, err := NewRegistry(caps...)
	if err != nil {
		panic(err)
	}
	return r
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Definitions returns tool definitions in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	if r == nil {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		c := r.caps[name]
		params := c.Schema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, ToolDefinition{Name: c.Name, Description: c.Description, Parameters: params})
	}
	return defs
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	if r == nil {
		return Capability{}, false
	}
	c, ok := r.caps[name]
	if !ok {
		return Capability{}, false
	}
	return c.Capability, true
}

// CategoryOf returns the category of the named capability (general if unknown).
func (r *Registry) CategoryOf(name string) Category {
	c, ok := r.Lookup(name)
	if !ok {
		return CategoryGeneral
	}
	return c.Category
}

// FirstOf returns the first registered capability of the given category.
func (r *Registry) FirstOf(cat Category) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, name := range r.order {
		if r.caps[name].Category == cat {
			return name, true
		}
	}
	return "", false
}

// CacheKey returns the canonical key of a call. Unknown tools fall back to
// full-argument canonicalization so they still deduplicate exact repeats.
func (r *Registry) CacheKey(tc ToolCall) string {
	canon := FullArgs()
	if r != nil {
		if c, ok := r.caps[tc.Name]; ok {
			canon = c.Canonical
		}
	}
	return tc.Name + ":" + canonicalize(canon, tc.Args)
}

// Validate checks args against the capability's compiled schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	if r == nil {
		return fmt.Errorf("unknown tool: %s", name)
	}
	c, ok := r.caps[name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	if c.schema == nil {
		return nil
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	var inst any
	if err := json.Unmarshal(args, &inst); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}

// Call validates and invokes a tool call. Failures come back as *ToolExecutionError.
func (r *Registry) Call(ctx context.Context, tc ToolCall) (string, error) {
	if err := r.Validate(tc.Name, tc.Args); err != nil {
		return "", &ToolExecutionError{Tool: tc.Name, CallID: tc.ID, Err: err}
	}
	args := tc.Args
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	out, err := r.caps[tc.Name].Invoke(ctx, args)
	if err != nil {
		return "", &ToolExecutionError{Tool: tc.Name, CallID: tc.ID, Err: err}
	}
	return out, nil
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// --- multi-function tool adapter ---

// Tool is a multi-function capability provider: one implementation exposing
// several tool definitions dispatched by name.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a Tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// CapabilitiesFromTool adapts every definition of t into a Capability.
// categories maps definition names to categories; missing names are general.
func CapabilitiesFromTool(t Tool, categories map[string]Category) []Capability {
	defs := t.Definitions()
	caps := make([]Capability, 0, len(defs))
	for _, d := range defs {
		name := d.Name
		caps = append(caps, Capability{
			Name:        name,
			Description: d.Description,
			Schema:      d.Parameters,
			Category:    categories[name],
			Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
				res, err := t.Execute(ctx, name, args)
				if err != nil {
					return "", err
				}
				if res.Error != "" {
					return "", errors.New(res.Error)
				}
				return res.Content, nil
			},
		})
	}
	return caps
}

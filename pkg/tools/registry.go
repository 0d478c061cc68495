package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/inngest/mcpgate/pkg/jsonrpc"
)

// Handler runs a single registered tool.
type Handler func(ctx context.Context, call Call) (*Result, error)

// Resource is a readable resource listed by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIME        string `json:"mimeType,omitempty"`
}

// ResourceContents is returned by resources/read.
type ResourceContents struct {
	URI  string `json:"uri"`
	MIME string `json:"mimeType,omitempty"`
	Text string `json:"text"`
}

// ResourceReader produces the contents of a resource.
type ResourceReader func(ctx context.Context) (ResourceContents, error)

// PromptArgument is an argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is listed by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// PromptRenderer renders a prompt with the given arguments.
type PromptRenderer func(ctx context.Context, args map[string]string) ([]PromptMessage, error)

type tool struct {
	def     Definition
	handler Handler
}

type resource struct {
	res    Resource
	reader ResourceReader
}

type prompt struct {
	prompt Prompt
	render PromptRenderer
}

// Registry is an Executor and Catalog backed by in-process handlers.  It also
// serves resources and prompts.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]tool
	resources map[string]resource
	prompts   map[string]prompt
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     map[string]tool{},
		resources: map[string]resource{},
		prompts:   map[string]prompt{},
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(def Definition, h Handler) {
	if len(def.InputSchema) == 0 {
		def.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = tool{def: def, handler: h}
}

// RegisterResource adds a resource keyed by its URI.
func (r *Registry) RegisterResource(res Resource, reader ResourceReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[res.URI] = resource{res: res, reader: reader}
}

// RegisterPrompt adds a prompt keyed by its name.
func (r *Registry) RegisterPrompt(p Prompt, render PromptRenderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[p.Name] = prompt{prompt: p, render: render}
}

func (r *Registry) Tools() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Execute(ctx context.Context, call Call) (*Result, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(jsonrpc.CodeMethodNotFound, "Unknown tool: %s", call.Name)
	}
	return t.handler(ctx, call)
}

// Resources lists resources ordered by URI.
func (r *Registry) Resources() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res.res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// ReadResource reads the resource with the given URI.
func (r *Registry) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	r.mu.RLock()
	res, ok := r.resources[uri]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(jsonrpc.CodeInvalidParams, "Unknown resource: %s", uri)
	}
	c, err := res.reader(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading resource %s: %w", uri, err)
	}
	if c.URI == "" {
		c.URI = uri
	}
	return []ResourceContents{c}, nil
}

// Prompts lists prompts ordered by name.
func (r *Registry) Prompts() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		out = append(out, p.prompt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetPrompt renders the named prompt, checking required arguments.
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]string) (*Prompt, []PromptMessage, error) {
	r.mu.RLock()
	p, ok := r.prompts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, Errorf(jsonrpc.CodeInvalidParams, "Unknown prompt: %s", name)
	}
	for _, a := range p.prompt.Arguments {
		if _, ok := args[a.Name]; a.Required && !ok {
			return nil, nil, Errorf(jsonrpc.CodeInvalidParams, "Missing prompt argument: %s", a.Name)
		}
	}
	msgs, err := p.render(ctx, args)
	if err != nil {
		return nil, nil, err
	}
	return &p.prompt, msgs, nil
}

package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

// ToolContext carries caller identity and process handles into tool handlers.
// It is never exposed to the LLM.
type ToolContext struct {
	UserID string
	OrgID  string
	// Deps holds process services (persistence facade, gateway) keyed by
	// well-known names; handlers assert the concrete types they need.
	Deps map[string]any
}

// Param declares one tool parameter; the registry derives the JSON schema
// from these declarations.
type Param struct {
	Name        string
	Type        string // "string", "number", "integer", "boolean", "array", "object"
	Description string
	Required    bool
	Enum        []string
}

// Handler executes one tool call. Returned errors become tool-result text,
// never exceptions.
type Handler func(ctx context.Context, tc ToolContext, args map[string]any) (string, error)

// Tool is one registered tool.
type Tool struct {
	Name               string
	Description        string
	Module             string
	RequiredPermission string
	Annotations        map[string]string
	Params             []Param
	Handler            Handler
}

// Schema derives the JSON-schema object for the tool's parameters.
func (t Tool) Schema() map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range t.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			vals := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				vals[i] = v
			}
			prop["enum"] = vals
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Definition exports the tool in the gateway's neutral shape.
func (t Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Schema(),
	}
}

// DisplayAnnotation returns the human-facing label emitted with tool_start.
func (t Tool) DisplayAnnotation() string {
	if label, ok := t.Annotations["display"]; ok {
		return label
	}
	return t.Name
}

// PermissionFunc answers whether a user may invoke a permission key. A nil
// func allows everything.
type PermissionFunc func(userID, permission string) bool

// Registry stores tools by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// NewRegistry constructs an empty tool registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logging.OrNop(logger),
	}
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(tool Tool) error {
	if strings.TrimSpace(tool.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool already exists: %s", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ForLLM exports the definitions of every tool the user may invoke, in name
// order for deterministic prompts.
func (r *Registry) ForLLM(userID string, allowed PermissionFunc) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var defs []llm.ToolDefinition
	for _, name := range names {
		tool := r.tools[name]
		if tool.RequiredPermission != "" && allowed != nil && !allowed(userID, tool.RequiredPermission) {
			continue
		}
		defs = append(defs, tool.Definition())
	}
	return defs
}

// Execute runs a tool call. Permission is re-checked at execution time;
// denials and handler failures are returned as result strings so they become
// normal tool results the LLM can react to. Execute never panics.
func (r *Registry) Execute(ctx context.Context, tc ToolContext, allowed PermissionFunc, name string, args map[string]any) string {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
	if tool.RequiredPermission != "" && allowed != nil && !allowed(tc.UserID, tool.RequiredPermission) {
		return fmt.Sprintf("Permission denied: tool %q requires %q", name, tool.RequiredPermission)
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := r.runGuarded(ctx, tool, tc, args)
	if err != nil {
		r.logger.Warn("tool %s failed: %v", name, err)
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return result
}

func (r *Registry) runGuarded(ctx context.Context, tool Tool, tc ToolContext, args map[string]any) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panic: %v", rec)
		}
	}()
	return tool.Handler(ctx, tc, args)
}

// FirstLine summarizes a tool result for the tool_end event.
func FirstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 160 {
		s = s[:160] + "..."
	}
	return s
}

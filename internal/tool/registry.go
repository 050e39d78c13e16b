// Package tool defines the tool registry boundary consumed by
// orchestrators and workers. The full plugin surface lives outside the
// scheduling core; this package provides the contract, an in-memory
// registry, YAML manifest loading, and keyword/tag matching.
package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Info describes a registered tool.
type Info struct {
	// Name is the unique tool name.
	Name string `yaml:"name"`
	// Description says what the tool does.
	Description string `yaml:"description"`
	// Category groups tools for listing.
	Category string `yaml:"category"`
	// Tags are the keywords used for sub-task matching.
	Tags []string `yaml:"tags"`
}

// Result is the outcome of a tool execution. Tools return all failure as
// data; they never panic across the boundary.
type Result struct {
	// Success indicates whether the execution succeeded.
	Success bool `json:"success"`
	// Data is the tool's output, if any.
	Data any `json:"data,omitempty"`
	// Error is the failure description when Success is false.
	Error string `json:"error,omitempty"`
}

// Func executes a tool invocation. Implementations must respect the
// context deadline; a cancelled worker cannot interrupt a call that
// ignores its context.
type Func func(ctx context.Context, params map[string]any) Result

// Registry is the lookup and execution contract used by the scheduling
// core.
type Registry interface {
	// ListTools returns tool names, optionally filtered by category.
	// An empty category lists everything.
	ListTools(category string) []string
	// GetInfo returns a tool's metadata.
	GetInfo(name string) (Info, bool)
	// Execute runs a tool by name. Unknown tools return a failed Result,
	// not an error: a missing tool is a validation failure, never a panic.
	Execute(ctx context.Context, name string, params map[string]any) Result
	// Match returns the best tool for a sub-task description by
	// keyword/tag overlap, or "" when nothing matches.
	Match(description string) string
}

// entry pairs tool metadata with its optional implementation.
type entry struct {
	info Info
	fn   Func
}

// InMemoryRegistry is the default Registry implementation.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// Compile-time verification that InMemoryRegistry implements Registry.
var _ Registry = (*InMemoryRegistry)(nil)

// NewRegistry creates an empty in-memory registry.
func NewRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[string]*entry)}
}

// Register adds a tool with its implementation. Registering an existing
// name replaces it.
func (r *InMemoryRegistry) Register(info Info, fn Func) error {
	if info.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[info.Name] = &entry{info: info, fn: fn}
	return nil
}

// RegisterHandler attaches an implementation to a manifest-declared tool.
func (r *InMemoryRegistry) RegisterHandler(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("register handler: unknown tool %q", name)
	}
	e.fn = fn
	return nil
}

// ListTools returns tool names sorted for stable output.
func (r *InMemoryRegistry) ListTools(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.tools {
		if category == "" || e.info.Category == category {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetInfo returns a tool's metadata.
func (r *InMemoryRegistry) GetInfo(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Execute runs a tool by name.
func (r *InMemoryRegistry) Execute(ctx context.Context, name string, params map[string]any) Result {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool %q", name)}
	}
	if e.fn == nil {
		return Result{Success: false, Error: fmt.Sprintf("tool %q has no registered handler", name)}
	}
	if err := ctx.Err(); err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return e.fn(ctx, params)
}

// Match scores every tool by keyword overlap between the sub-task
// description and the tool's name plus tags, returning the best scoring
// tool. A score of zero returns "" and the worker falls back to direct
// synthesis.
func (r *InMemoryRegistry) Match(description string) string {
	words := tokenize(description)
	if len(words) == 0 {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	bestScore := 0
	// Iterate names in sorted order so ties resolve deterministically.
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := r.tools[name]
		score := 0
		keywords := append([]string{strings.ToLower(e.info.Name)}, e.info.Tags...)
		for _, kw := range keywords {
			if words[strings.ToLower(kw)] {
				score++
			}
		}
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	return best
}

// tokenize lowercases and splits a description into a word set.
func tokenize(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(w) > 1 {
			words[w] = true
		}
	}
	return words
}

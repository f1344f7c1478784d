package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mochi-ai/mochi-server/internal/ollama"
)

// ErrToolNotFound is returned when a tool name is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Tool is one discovered tool: its manifest, its directory, and a
// version tag that changes whenever the manifest changes.
type Tool struct {
	Manifest Manifest
	Dir      string
	Version  string
}

// Schema returns the upstream-compatible schema for this tool.
func (t *Tool) Schema() ollama.Tool {
	props := make(map[string]ollama.ToolParameter, len(t.Manifest.Parameters))
	for name, p := range t.Manifest.Parameters {
		props[name] = ollama.ToolParameter{
			Type:        p.Type,
			Description: p.Description,
			Enum:        p.Enum,
		}
	}
	return ollama.Tool{
		Type: "function",
		Function: ollama.ToolFunction{
			Name:        t.Manifest.Name,
			Description: t.Manifest.Description,
			Parameters: ollama.ToolParameters{
				Type:       "object",
				Properties: props,
				Required:   t.Manifest.Required,
			},
		},
	}
}

// Listing is the response shape of the tool list operation.
type Listing struct {
	Tools  map[string]ollama.ToolFunction `json:"tools"`
	Groups map[string][]string            `json:"groups"`
}

// Registry holds the discovered tool table. Reload swaps the table
// atomically; readers go through an RWMutex.
type Registry struct {
	dir string

	mu     sync.RWMutex
	tools  map[string]*Tool
	groups map[string][]string
}

// NewRegistry scans dir and returns the populated registry. A missing
// dir yields an empty registry, not an error.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		tools:  map[string]*Tool{},
		groups: map[string][]string{},
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rescans the tools dir and replaces the table. Subdirectories
// with invalid manifests are skipped with a warning and do not disturb
// valid entries.
func (r *Registry) Reload() error {
	tools, groups, err := scan(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tools = tools
	r.groups = groups
	r.mu.Unlock()

	slog.Info("tool registry loaded", "dir", r.dir, "tools", len(tools))
	return nil
}

func scan(dir string) (map[string]*Tool, map[string][]string, error) {
	tools := map[string]*Tool{}
	groups := map[string][]string{}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return tools, groups, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scan tools dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		toolDir := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(toolDir, "tool.json")); err != nil {
			continue
		}
		m, version, err := loadManifest(toolDir)
		if err != nil {
			slog.Warn("skipping tool", "dir", toolDir, "error", err)
			continue
		}
		if _, dup := tools[m.Name]; dup {
			slog.Warn("skipping tool with duplicate name", "name", m.Name, "dir", toolDir)
			continue
		}
		tools[m.Name] = &Tool{Manifest: *m, Dir: toolDir, Version: version}
		if m.Group != "" {
			groups[m.Group] = append(groups[m.Group], m.Name)
		}
	}

	for g := range groups {
		sort.Strings(groups[g])
	}
	return tools, groups, nil
}

// List returns the tool table and group index.
func (r *Registry) List() Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Listing{
		Tools:  make(map[string]ollama.ToolFunction, len(r.tools)),
		Groups: make(map[string][]string, len(r.groups)),
	}
	for name, t := range r.tools {
		out.Tools[name] = t.Schema().Function
	}
	for g, names := range r.groups {
		out.Groups[g] = append([]string(nil), names...)
	}
	return out
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Schema returns the upstream schema and version tag for one tool.
func (r *Registry) Schema(name string) (ollama.Tool, string, error) {
	t, err := r.Get(name)
	if err != nil {
		return ollama.Tool{}, "", err
	}
	return t.Schema(), t.Version, nil
}

// Destructive reports whether the named tool is flagged destructive.
// Unknown tools report true so the confirm_destructive policy fails
// toward confirmation.
func (r *Registry) Destructive(name string) bool {
	t, err := r.Get(name)
	if err != nil {
		return true
	}
	return t.Manifest.Destructive
}

// Names returns the sorted registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GroupMembers expands a group name to its member tools.
func (r *Registry) GroupMembers(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.groups[group]...)
}

package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mochi-ai/mochi-server/internal/ollama"
	"github.com/mochi-ai/mochi-server/internal/tools"
)

// ErrAgentNotFound is returned when the named agent is unknown or invalid.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is one valid, runnable agent.
type Agent struct {
	Name     string
	Dir      string
	Skill    *Skill
	Tools    *tools.Registry
	SkillMod string
}

// Info is the listing view of one agent.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Model       string   `json:"model,omitempty"`
	Tools       []string `json:"tools"`
	Valid       bool     `json:"valid"`
	Reason      string   `json:"reason,omitempty"`
}

// Registry holds discovered agents. Invalid agents are listed with a
// reason but never executed.
type Registry struct {
	dir string

	mu      sync.RWMutex
	agents  map[string]*Agent
	invalid map[string]string

	// generation bumps every reload and every synthetic-schema
	// regeneration, so downstream schema caches invalidate.
	generation atomic.Uint64
}

// NewRegistry scans dir and returns the populated registry.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:     dir,
		agents:  map[string]*Agent{},
		invalid: map[string]string{},
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rescans the agents dir. An agent is valid iff its skill.md
// parses and its private tool set is non-empty.
func (r *Registry) Reload() error {
	agents := map[string]*Agent{}
	invalid := map[string]string{}

	entries, err := os.ReadDir(r.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scan agents dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		agentDir := filepath.Join(r.dir, name)

		skillPath := filepath.Join(agentDir, "skill.md")
		skill, err := loadSkill(skillPath)
		if err != nil {
			invalid[name] = "skill.md: " + err.Error()
			slog.Warn("invalid agent", "agent", name, "error", err)
			continue
		}

		toolReg, err := tools.NewRegistry(filepath.Join(agentDir, "tools"))
		if err != nil {
			invalid[name] = "tools: " + err.Error()
			slog.Warn("invalid agent", "agent", name, "error", err)
			continue
		}
		if len(toolReg.Names()) == 0 {
			invalid[name] = "no tools"
			slog.Warn("invalid agent", "agent", name, "error", "empty private tool set")
			continue
		}

		mod := ""
		if fi, err := os.Stat(skillPath); err == nil {
			mod = fi.ModTime().UTC().Format("20060102T150405.000")
		}
		agents[name] = &Agent{Name: name, Dir: agentDir, Skill: skill, Tools: toolReg, SkillMod: mod}
	}

	r.mu.Lock()
	r.agents = agents
	r.invalid = invalid
	r.mu.Unlock()
	r.generation.Add(1)

	slog.Info("agent registry loaded", "dir", r.dir, "agents", len(agents), "invalid", len(invalid))
	return nil
}

// Get returns the named valid agent.
func (r *Registry) Get(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		if reason, bad := r.invalid[name]; bad {
			return nil, fmt.Errorf("%w: %s (%s)", ErrAgentNotFound, name, reason)
		}
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a, nil
}

// List returns every discovered agent, valid and invalid.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.agents)+len(r.invalid))
	for name, a := range r.agents {
		out = append(out, Info{
			Name:        name,
			Description: a.Skill.Description,
			Model:       a.Skill.Model,
			Tools:       a.Tools.Names(),
			Valid:       true,
		})
	}
	for name, reason := range r.invalid {
		out = append(out, Info{Name: name, Valid: false, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidNames returns the sorted names of valid agents.
func (r *Registry) ValidNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SyntheticTool builds the single "agent" tool exposed to the upstream
// model, scoped to the enabled agents. The version tag changes on every
// call against a changed enabled set or registry generation, so schema
// caches keyed on it invalidate automatically.
func (r *Registry) SyntheticTool(enabled []string) (ollama.Tool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(enabled))
	var doc strings.Builder
	doc.WriteString("Name of the agent to delegate to. Available agents:")
	for _, name := range enabled {
		a, ok := r.agents[name]
		if !ok {
			continue
		}
		names = append(names, name)
		doc.WriteString("\n- " + name + ": " + a.Skill.Description)
	}

	tool := ollama.Tool{
		Type: "function",
		Function: ollama.ToolFunction{
			Name: "agent",
			Description: "Delegate a task to a specialized agent. The agent runs in its own " +
				"session with its own tools and returns a transcript of its work.",
			Parameters: ollama.ToolParameters{
				Type: "object",
				Properties: map[string]ollama.ToolParameter{
					"agent": {
						Type:        "string",
						Description: doc.String(),
						Enum:        names,
					},
					"instruction": {
						Type:        "string",
						Description: "The task for the agent to carry out.",
					},
					"session_id": {
						Type:        "string",
						Description: "Optional agent session id to continue a prior agent conversation.",
					},
				},
				Required: []string{"agent", "instruction"},
			},
		},
	}
	version := fmt.Sprintf("agent-g%d-%s", r.generation.Load(), strings.Join(names, ","))
	return tool, version
}

package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mochi-ai/mochi-server/internal/ollama"
	"github.com/mochi-ai/mochi-server/internal/session"
)

// Upstream is the slice of the daemon client the runner needs.
type Upstream interface {
	ChatStream(ctx context.Context, req ollama.ChatRequest) (*ollama.Stream, error)
}

// EmitFunc receives agent progress events. A nil EmitFunc discards them.
type EmitFunc func(event string, data map[string]any)

func (f EmitFunc) emit(event string, data map[string]any) {
	if f != nil {
		f(event, data)
	}
}

// Fallback directives used when the configured prompt files are absent.
const (
	defaultPlanningDirective = "Before acting, lay out a short plan: restate the task in one " +
		"sentence, then list the steps you will take and which of your tools each step needs. " +
		"Do not call any tools yet."
	defaultExecutionDirective = "Carry out your plan now using your tools. Work step by step " +
		"and report what you did. When the task is finished, state the outcome without calling " +
		"further tools."
)

// Runner executes one agent invocation against the agent chat store.
type Runner struct {
	registry      *Registry
	store         *session.Store
	upstream      Upstream
	planning      string
	execution     string
	maxIterations int
}

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	// PlanningPromptPath and ExecutionPromptPath point at the ephemeral
	// directive files; built-in directives apply when unreadable.
	PlanningPromptPath  string
	ExecutionPromptPath string
	MaxIterations       int
}

// NewRunner creates a runner over the given registry, agent chat store,
// and upstream client.
func NewRunner(registry *Registry, store *session.Store, upstream Upstream, opts RunnerOptions) *Runner {
	r := &Runner{
		registry:      registry,
		store:         store,
		upstream:      upstream,
		planning:      loadDirective(opts.PlanningPromptPath, defaultPlanningDirective),
		execution:     loadDirective(opts.ExecutionPromptPath, defaultExecutionDirective),
		maxIterations: opts.MaxIterations,
	}
	if r.maxIterations <= 0 {
		r.maxIterations = 50
	}
	return r
}

func loadDirective(path, fallback string) string {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("agent directive file unreadable, using built-in", "path", path, "error", err)
		return fallback
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fallback
	}
	return text
}

// Call is one agent invocation.
type Call struct {
	Agent       string
	Instruction string
	// SessionID continues a prior agent conversation; a nonexistent id
	// starts a fresh session.
	SessionID string
	// FallbackModel is used when the skill frontmatter names no model.
	FallbackModel string
}

// Run performs the two-phase planning + execution loop and returns the
// transcript string handed back to the outer turn as the tool result.
func (r *Runner) Run(ctx context.Context, call Call, emit EmitFunc) (string, error) {
	agent, err := r.registry.Get(call.Agent)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(call.Instruction) == "" {
		return "", fmt.Errorf("agent %s: empty instruction", call.Agent)
	}

	model := agent.Skill.Model
	if model == "" {
		model = call.FallbackModel
	}

	s, err := r.prepareSession(agent, call, model)
	if err != nil {
		return "", err
	}
	id := s.Metadata.SessionID
	// Everything after the instruction belongs to the transcript.
	transcriptFrom := len(s.Messages)

	emit.emit("agent_start", map[string]any{
		"agent_name":  call.Agent,
		"instruction": call.Instruction,
	})
	slog.Info("agent invocation", "agent", call.Agent, "session", id, "model", model)

	// Planning phase: ephemeral directive, no tools.
	planContent, planFinal, err := r.phase(ctx, model, s.Messages, r.planning, nil, func(content string) {
		emit.emit("agent_planning", map[string]any{"content": content})
	})
	if err != nil {
		return "", fmt.Errorf("agent planning: %w", err)
	}
	s, err = r.store.AppendMessage(id, assistantMessage(planContent, model, planFinal, nil))
	if err != nil {
		return "", err
	}

	// Execution phase: ephemeral directive, private tools.
	schemas := agentToolSchemas(agent)
	for iter := 0; iter < r.maxIterations; iter++ {
		content, final, err := r.phase(ctx, model, s.Messages, r.execution, schemas, func(content string) {
			emit.emit("agent_execution", map[string]any{"content": content})
		})
		if err != nil {
			return "", fmt.Errorf("agent execution: %w", err)
		}

		var calls []ollama.ToolCall
		if final != nil {
			calls = final.ToolCalls
		}
		s, err = r.store.AppendMessage(id, assistantMessage(content, model, final, calls))
		if err != nil {
			return "", err
		}

		if len(calls) == 0 {
			// A no-tool reply on the first iteration is an announcement;
			// give the agent one more pass.
			if iter == 0 {
				continue
			}
			break
		}

		for _, tc := range calls {
			name := tc.Function.Name
			emit.emit("agent_tool_call", map[string]any{
				"agent_name": call.Agent,
				"tool_name":  name,
				"arguments":  tc.Function.Arguments,
			})
			res := agent.Tools.Execute(ctx, name, tc.Function.Arguments)
			emit.emit("agent_tool_result", map[string]any{
				"agent_name": call.Agent,
				"tool_name":  name,
				"success":    res.OK,
				"result":     res.ErrorString(),
			})
			s, err = r.store.AppendMessage(id, session.Message{
				Role:      session.RoleTool,
				Content:   res.ErrorString(),
				MessageID: session.NewID(),
				Timestamp: session.Now(),
				ToolName:  name,
			})
			if err != nil {
				return "", err
			}
		}
	}

	output := renderTranscript(id, s.Messages[transcriptFrom:])
	emit.emit("agent_complete", map[string]any{
		"agent_name": call.Agent,
		"session_id": id,
		"output":     output,
	})
	return output, nil
}

// prepareSession loads or creates the agent session, refreshes the
// system message from the skill body, and appends the instruction.
func (r *Runner) prepareSession(agent *Agent, call Call, model string) (*session.Session, error) {
	skillPath := filepath.Join(agent.Dir, "skill.md")
	instruction := session.Message{
		Role:      session.RoleUser,
		Content:   call.Instruction,
		MessageID: session.NewID(),
		Timestamp: session.Now(),
	}

	if call.SessionID != "" {
		s, err := r.store.Mutate(call.SessionID, func(s *session.Session) error {
			s.SetSystemMessage(agent.Skill.Prompt, skillPath)
			if model != "" {
				s.Metadata.Model = model
			}
			s.AddMessage(instruction)
			return nil
		})
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}

	s, err := r.store.Create(session.CreateOptions{
		Model:                  model,
		SystemPrompt:           agent.Skill.Prompt,
		SystemPromptSourceFile: skillPath,
	})
	if err != nil {
		return nil, err
	}
	return r.store.AppendMessage(s.Metadata.SessionID, instruction)
}

// phase runs one upstream call with an ephemeral directive appended to
// the persisted history. The directive itself is never stored.
func (r *Runner) phase(ctx context.Context, model string, history []session.Message, directive string, toolSchemas []ollama.Tool, onContent func(string)) (string, *ollama.Chunk, error) {
	messages := session.UpstreamMessages(history)
	messages = append(messages, ollama.Message{Role: session.RoleUser, Content: directive})

	stream, err := r.upstream.ChatStream(ctx, ollama.ChatRequest{
		Model:    model,
		Messages: messages,
		Tools:    toolSchemas,
	})
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	var final *ollama.Chunk
	for chunk := range stream.C {
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			onContent(chunk.Content)
		}
		if chunk.Done {
			ch := chunk
			final = &ch
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, err
	}
	return sb.String(), final, nil
}

func agentToolSchemas(agent *Agent) []ollama.Tool {
	names := agent.Tools.Names()
	schemas := make([]ollama.Tool, 0, len(names))
	for _, name := range names {
		if schema, _, err := agent.Tools.Schema(name); err == nil {
			schemas = append(schemas, schema)
		}
	}
	return schemas
}

func assistantMessage(content, model string, final *ollama.Chunk, calls []ollama.ToolCall) session.Message {
	msg := session.Message{
		Role:      session.RoleAssistant,
		Content:   content,
		MessageID: session.NewID(),
		Timestamp: session.Now(),
		Model:     model,
	}
	if final != nil {
		if final.EvalCount > 0 {
			ec := final.EvalCount
			msg.EvalCount = &ec
		}
		if final.PromptEvalCount > 0 {
			pec := final.PromptEvalCount
			msg.PromptEvalCount = &pec
		}
	}
	for _, tc := range calls {
		msg.ToolCalls = append(msg.ToolCalls, session.ToolCallRecord{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}

// renderTranscript produces the deterministic agent output string.
func renderTranscript(sessionID string, msgs []session.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session ID: %s\n", sessionID)
	for _, m := range msgs {
		switch m.Role {
		case session.RoleAssistant:
			if m.Content != "" {
				sb.WriteString(m.Content)
				sb.WriteString("\n")
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				fmt.Fprintf(&sb, "[tool call] %s(%s)\n", tc.Name, args)
			}
		case session.RoleTool:
			fmt.Fprintf(&sb, "[tool result: %s] %s\n", m.ToolName, m.Content)
		}
	}
	return sb.String()
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mochi-ai/mochi-server/internal/agents"
	"github.com/mochi-ai/mochi-server/internal/confirm"
	"github.com/mochi-ai/mochi-server/internal/contextwindow"
	"github.com/mochi-ai/mochi-server/internal/ollama"
	"github.com/mochi-ai/mochi-server/internal/session"
	"github.com/mochi-ai/mochi-server/internal/tools"
)

// ErrEmptyHistory is returned when a turn has neither a new message nor
// prior history to regenerate from.
var ErrEmptyHistory = errors.New("no message supplied and session history is empty")

// Upstream is the slice of the daemon client the orchestrator needs.
type Upstream interface {
	ChatStream(ctx context.Context, req ollama.ChatRequest) (*ollama.Stream, error)
	GetModel(ctx context.Context, name string) (*ollama.ModelInfo, error)
}

// SummaryScheduler enqueues a best-effort background summarization.
type SummaryScheduler interface {
	Schedule(sessionID string)
}

// TurnRequest is one client turn. An empty Message regenerates from the
// existing history.
type TurnRequest struct {
	SessionID string
	Message   string
	Think     bool
}

// Options tune the orchestrator.
type Options struct {
	MaxToolRounds       int
	ConfirmationTimeout time.Duration
}

// Orchestrator drives one turn end to end.
type Orchestrator struct {
	store     *session.Store
	upstream  Upstream
	tools     *tools.Registry
	agents    *agents.Registry
	runner    *agents.Runner
	broker    *confirm.Broker
	summaries SummaryScheduler
	opts      Options
}

// NewOrchestrator wires the turn pipeline. summaries may be nil.
func NewOrchestrator(store *session.Store, upstream Upstream, toolReg *tools.Registry, agentReg *agents.Registry, runner *agents.Runner, broker *confirm.Broker, summaries SummaryScheduler, opts Options) *Orchestrator {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 10
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:     store,
		upstream:  upstream,
		tools:     toolReg,
		agents:    agentReg,
		runner:    runner,
		broker:    broker,
		summaries: summaries,
		opts:      opts,
	}
}

// Run executes one turn. Errors occurring before any event has been
// sent are returned for the caller to map onto an HTTP envelope; once
// streaming has begun they are reified as an error event followed by
// done, and Run returns nil.
var tracer = otel.Tracer("mochi-server/chat")

func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, sink EventSink) error {
	ctx, span := tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Bool("turn.regenerate", req.Message == ""),
	))
	defer span.End()

	release := o.store.AcquireTurn(req.SessionID)
	defer release()

	s, err := o.prepare(req)
	if err != nil {
		return err
	}

	info, err := o.upstream.GetModel(ctx, s.Metadata.Model)
	if err != nil {
		return err
	}

	plan, err := o.plan(s, info)
	if err != nil {
		return err
	}

	t := &turn{
		o:      o,
		req:    req,
		sink:   sink,
		s:      s,
		window: plan.Window,
	}
	return t.run(ctx)
}

// prepare loads the session and appends the new user message, if any.
func (o *Orchestrator) prepare(req TurnRequest) (*session.Session, error) {
	if req.Message == "" {
		s, err := o.store.Get(req.SessionID)
		if err != nil {
			return nil, err
		}
		if !hasConversation(s) {
			return nil, ErrEmptyHistory
		}
		return s, nil
	}
	return o.store.AppendMessage(req.SessionID, session.Message{
		Role:      session.RoleUser,
		Content:   req.Message,
		MessageID: session.NewID(),
		Timestamp: session.Now(),
	})
}

func hasConversation(s *session.Session) bool {
	for _, m := range s.Messages {
		if m.Role != session.RoleSystem {
			return true
		}
	}
	return false
}

// plan computes the context window for this turn and persists the
// decision on the session.
func (o *Orchestrator) plan(s *session.Session, info *ollama.ModelInfo) (contextwindow.Plan, error) {
	usage, usageModel, assistantCount := lastUsage(s)
	modelChanged := usageModel != "" && usageModel != s.Metadata.Model

	p := contextwindow.Compute(info.ContextLength, s.Metadata.ContextWindowConfig, usage, assistantCount, modelChanged)
	updated, err := o.store.Mutate(s.Metadata.SessionID, func(ms *session.Session) error {
		contextwindow.Apply(&ms.Metadata.ContextWindowConfig, p)
		return nil
	})
	if err != nil {
		return contextwindow.Plan{}, err
	}
	*s = *updated
	slog.Debug("planned context window", "session", s.Metadata.SessionID, "window", p.Window, "reason", p.Reason)
	return p, nil
}

// lastUsage finds the token counts and model of the most recent
// assistant message, plus the total assistant message count.
func lastUsage(s *session.Session) (contextwindow.Usage, string, int) {
	var usage contextwindow.Usage
	var model string
	count := 0
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role != session.RoleAssistant {
			continue
		}
		count++
		if model == "" {
			model = m.Model
			if m.EvalCount != nil {
				usage.EvalCount = *m.EvalCount
			}
			if m.PromptEvalCount != nil {
				usage.PromptEvalCount = *m.PromptEvalCount
			}
		}
	}
	return usage, model, count
}

// toolSchemas resolves the session's enabled tools (and the synthetic
// agent tool) to upstream schemas.
func (o *Orchestrator) toolSchemas(s *session.Session) []ollama.Tool {
	names := map[string]bool{}
	for _, name := range s.Metadata.ToolSettings.Tools {
		names[name] = true
	}
	if g := s.Metadata.ToolSettings.ToolGroup; g != nil {
		for _, name := range o.tools.GroupMembers(*g) {
			names[name] = true
		}
	}

	var schemas []ollama.Tool
	for _, name := range o.tools.Names() {
		if !names[name] {
			continue
		}
		schema, _, err := o.tools.Schema(name)
		if err != nil {
			slog.Warn("enabled tool missing from registry", "tool", name, "error", err)
			continue
		}
		schemas = append(schemas, schema)
	}

	if len(s.Metadata.AgentSettings.EnabledAgents) > 0 {
		agentTool, _ := o.agents.SyntheticTool(s.Metadata.AgentSettings.EnabledAgents)
		schemas = append(schemas, agentTool)
	}
	return schemas
}

// turn is the per-invocation state of one running turn.
type turn struct {
	o      *Orchestrator
	req    TurnRequest
	sink   EventSink
	s      *session.Session
	window int

	started      bool // an event reached the client
	disconnected bool
	content      []byte
}

func (t *turn) send(ev Event) {
	if t.disconnected {
		return
	}
	if err := t.sink.Send(ev); err != nil {
		t.disconnected = true
		slog.Info("client disconnected", "session", t.req.SessionID)
		return
	}
	t.started = true
}

// fail reports a mid-turn error: as a return value before any event was
// sent, as an error event afterwards.
func (t *turn) fail(code string, err error) error {
	if !t.started {
		return err
	}
	t.send(errorEvent(code, err.Error(), nil))
	t.send(doneEvent(t.req.SessionID))
	return nil
}

func (t *turn) run(ctx context.Context) error {
	for round := 0; ; round++ {
		if round > t.o.opts.MaxToolRounds {
			err := fmt.Errorf("tool continuation limit (%d) reached", t.o.opts.MaxToolRounds)
			if !t.started {
				return err
			}
			return t.fail("INTERNAL_ERROR", err)
		}

		calls, done, err := t.streamOnce(ctx)
		if err != nil {
			t.commitPartial(nil)
			return t.fail(upstreamCode(err), err)
		}
		if t.disconnected || ctx.Err() != nil {
			t.commitPartial(done)
			return nil
		}

		if len(calls) > 0 {
			halted, err := t.handleTools(ctx, calls)
			if err != nil {
				return err
			}
			if halted {
				return nil
			}
			t.send(toolContinuation())
			t.content = t.content[:0]
			continue
		}

		return t.complete(done)
	}
}

// streamOnce performs one upstream call and consumes its chunk stream.
// It returns the terminal tool calls, if any, and the terminal chunk.
func (t *turn) streamOnce(ctx context.Context) ([]ollama.ToolCall, *ollama.Chunk, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := t.o.upstream.ChatStream(streamCtx, ollama.ChatRequest{
		Model:    t.s.Metadata.Model,
		Messages: session.UpstreamMessages(t.s.Messages),
		Tools:    t.o.toolSchemas(t.s),
		Think:    t.req.Think,
		NumCtx:   t.window,
	})
	if err != nil {
		return nil, nil, err
	}

	var calls []ollama.ToolCall
	var final *ollama.Chunk
	for chunk := range stream.C {
		if chunk.Content != "" {
			t.content = append(t.content, chunk.Content...)
			t.send(contentDelta(chunk.Content))
		}
		if chunk.Thinking != "" && t.req.Think {
			t.send(thinkingDelta(chunk.Thinking))
		}
		if chunk.Done {
			ch := chunk
			final = &ch
			calls = chunk.ToolCalls
		}
		if t.disconnected {
			cancel()
		}
	}

	if err := stream.Err(); err != nil {
		if t.disconnected || errors.Is(err, context.Canceled) {
			// Keep the terminal chunk, if one arrived, so the partial
			// commit records its token counts.
			return nil, final, nil
		}
		return nil, nil, err
	}
	return calls, final, nil
}

// handleTools persists the triggering assistant message and executes
// each call in order. It reports halted=true when the turn must not
// continue, because the client vanished mid-handling or persistence
// failed; already-completed results stay committed.
func (t *turn) handleTools(ctx context.Context, calls []ollama.ToolCall) (bool, error) {
	records := make([]session.ToolCallRecord, 0, len(calls))
	for _, tc := range calls {
		records = append(records, session.ToolCallRecord{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	s, err := t.o.store.AppendMessage(t.req.SessionID, session.Message{
		Role:      session.RoleAssistant,
		Content:   string(t.content),
		MessageID: session.NewID(),
		Timestamp: session.Now(),
		Model:     t.s.Metadata.Model,
		ToolCalls: records,
	})
	if err != nil {
		return true, t.fail("INTERNAL_ERROR", err)
	}
	t.s = s

	for i, tc := range calls {
		name := tc.Function.Name
		args := tc.Function.Arguments

		var resultString string
		if name == "agent" {
			resultString = t.runAgent(ctx, args, i)
		} else {
			approved, reason := t.confirmIfNeeded(ctx, name, args, i)
			if t.disconnected || ctx.Err() != nil {
				return true, nil
			}
			if !approved {
				t.send(toolResultEvent(name, false, "", reason, i))
				resultString = "Error: " + reason
			} else {
				t.send(toolCallEvent(name, args, i))
				res := t.o.tools.Execute(ctx, name, args)
				t.send(toolResultEvent(name, res.OK, res.Result, res.ErrorMessage, i))
				resultString = res.ErrorString()
			}
		}

		s, err := t.o.store.AppendMessage(t.req.SessionID, session.Message{
			Role:      session.RoleTool,
			Content:   resultString,
			MessageID: session.NewID(),
			Timestamp: session.Now(),
			ToolName:  name,
		})
		if err != nil {
			return true, t.fail("INTERNAL_ERROR", err)
		}
		t.s = s

		if t.disconnected || ctx.Err() != nil {
			return true, nil
		}
	}
	return false, nil
}

// confirmIfNeeded applies the session's execution policy. It returns
// approved=true when the call may run, else the denial reason.
func (t *turn) confirmIfNeeded(ctx context.Context, name string, args map[string]any, index int) (bool, string) {
	policy := t.s.Metadata.ToolSettings.ExecutionPolicy
	switch policy {
	case session.PolicyNeverConfirm:
		return true, ""
	case session.PolicyConfirmDestructive:
		if !t.o.tools.Destructive(name) {
			return true, ""
		}
	}

	id := t.o.broker.Register(t.req.SessionID, name, args, t.o.opts.ConfirmationTimeout)
	t.send(confirmationRequired(name, args, index, id))
	if t.disconnected {
		return false, "client disconnected"
	}

	decision, err := t.o.broker.Await(ctx, id)
	if err != nil {
		return false, "client disconnected"
	}
	if decision.Approved {
		return true, ""
	}
	if decision.Reason == confirm.ReasonTimeout {
		return false, "confirmation timed out"
	}
	return false, "denied by user"
}

// runAgent dispatches the synthetic agent tool, forwarding agent events
// to the sink, and returns the tool result string.
func (t *turn) runAgent(ctx context.Context, args map[string]any, index int) string {
	agentName, _ := args["agent"].(string)
	instruction, _ := args["instruction"].(string)
	agentSession, _ := args["session_id"].(string)

	output, err := t.o.runner.Run(ctx, agents.Call{
		Agent:         agentName,
		Instruction:   instruction,
		SessionID:     agentSession,
		FallbackModel: t.s.Metadata.Model,
	}, func(event string, data map[string]any) {
		t.send(Event{Name: event, Data: data})
	})
	if err != nil {
		slog.Warn("agent invocation failed", "agent", agentName, "error", err)
		t.send(toolResultEvent("agent", false, "", err.Error(), index))
		return "Error: " + err.Error()
	}
	t.send(toolResultEvent("agent", true, output, "", index))
	return output
}

// complete persists the final assistant message and finishes the turn.
func (t *turn) complete(final *ollama.Chunk) error {
	msg := session.Message{
		Role:      session.RoleAssistant,
		Content:   string(t.content),
		MessageID: session.NewID(),
		Timestamp: session.Now(),
		Model:     t.s.Metadata.Model,
	}
	evalCount, promptEvalCount := 0, 0
	if final != nil {
		evalCount = final.EvalCount
		promptEvalCount = final.PromptEvalCount
		if evalCount > 0 {
			ec := evalCount
			msg.EvalCount = &ec
		}
		if promptEvalCount > 0 {
			pec := promptEvalCount
			msg.PromptEvalCount = &pec
		}
	}

	s, err := t.o.store.AppendMessage(t.req.SessionID, msg)
	if err != nil {
		return t.fail("INTERNAL_ERROR", err)
	}
	t.s = s

	t.send(messageComplete(msg.MessageID, msg.Model, evalCount, promptEvalCount, t.window))
	t.send(doneEvent(t.req.SessionID))

	if t.o.summaries != nil {
		t.o.summaries.Schedule(t.req.SessionID)
	}
	return nil
}

// commitPartial saves whatever content accumulated before an abnormal
// end, so the history never loses streamed text. The committed message
// carries the terminal chunk's token counts when one arrived, and still
// qualifies for background summarization.
func (t *turn) commitPartial(final *ollama.Chunk) {
	if len(t.content) == 0 {
		return
	}
	msg := session.Message{
		Role:      session.RoleAssistant,
		Content:   string(t.content),
		MessageID: session.NewID(),
		Timestamp: session.Now(),
		Model:     t.s.Metadata.Model,
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
	if _, err := t.o.store.AppendMessage(t.req.SessionID, msg); err != nil {
		slog.Error("failed to commit partial content", "session", t.req.SessionID, "error", err)
		return
	}
	t.content = t.content[:0]
	if t.o.summaries != nil {
		t.o.summaries.Schedule(t.req.SessionID)
	}
}

func upstreamCode(err error) string {
	var transport *ollama.TransportError
	if errors.As(err, &transport) {
		return "UPSTREAM_UNREACHABLE"
	}
	var api *ollama.APIError
	if errors.As(err, &api) {
		return "UPSTREAM_ERROR"
	}
	return "INTERNAL_ERROR"
}

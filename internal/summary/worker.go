// Package summary generates background conversation summaries via the
// daemon's structured-output mode.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mochi-ai/mochi-server/internal/ollama"
	"github.com/mochi-ai/mochi-server/internal/session"
)

// ErrSkipped means the trigger conditions did not hold or no usable
// model could be chosen.
var ErrSkipped = errors.New("summarization skipped")

// Upstream is the slice of the daemon client the worker needs.
type Upstream interface {
	StructuredChat(ctx context.Context, model string, messages []ollama.Message, schema json.RawMessage) (string, error)
	GetModel(ctx context.Context, name string) (*ollama.ModelInfo, error)
}

const responseSchemaJSON = `{
  "type": "object",
  "properties": {
    "summary": {"type": "string"},
    "topics": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["summary", "topics"]
}`

var responseSchema = jsonschema.MustCompileString("summary-response.json", responseSchemaJSON)

const summaryInstruction = "Summarize the conversation above in two or three sentences, " +
	"then list its main topics. Respond only with the requested JSON object."

// Worker owns a queue of sessions awaiting summarization. Failures are
// logged and dropped; they never reach the client.
type Worker struct {
	store    *session.Store
	upstream Upstream
	enabled  bool
	queue    chan string
}

// NewWorker creates a worker. Run must be started for scheduled jobs to
// execute.
func NewWorker(store *session.Store, upstream Upstream, enabled bool) *Worker {
	return &Worker{
		store:    store,
		upstream: upstream,
		enabled:  enabled,
		queue:    make(chan string, 64),
	}
}

// Schedule enqueues a session for summarization. It never blocks: when
// the queue is full the job is dropped.
func (w *Worker) Schedule(sessionID string) {
	if !w.enabled {
		return
	}
	select {
	case w.queue <- sessionID:
	default:
		slog.Warn("summary queue full, dropping job", "session", sessionID)
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.queue:
			if err := w.Summarize(ctx, id, "", false); err != nil && !errors.Is(err, ErrSkipped) {
				slog.Warn("summarization failed", "session", id, "error", err)
			}
		}
	}
}

// Summarize generates and stores a summary for one session. force skips
// the trigger checks (used by the on-demand endpoint); modelOverride
// takes precedence over the stored summary model.
func (w *Worker) Summarize(ctx context.Context, sessionID, modelOverride string, force bool) error {
	s, err := w.store.Get(sessionID)
	if err != nil {
		return err
	}
	if !force && !shouldSummarize(s) {
		return ErrSkipped
	}

	model, err := w.chooseModel(ctx, s, modelOverride)
	if err != nil {
		return err
	}

	messages := session.UpstreamMessages(s.Messages)
	messages = append(messages, ollama.Message{Role: session.RoleUser, Content: summaryInstruction})

	raw, err := w.upstream.StructuredChat(ctx, model, messages, json.RawMessage(responseSchemaJSON))
	if err != nil {
		return err
	}

	sum, err := decodeSummary(raw)
	if err != nil {
		return err
	}

	_, err = w.store.Mutate(sessionID, func(ms *session.Session) error {
		ms.Metadata.Summary = sum
		ms.Metadata.SummaryModel = &model
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("session summarized", "session", sessionID, "model", model, "topics", len(sum.Topics))
	return nil
}

// shouldSummarize applies the post-commit trigger rules.
func shouldSummarize(s *session.Session) bool {
	if len(s.Messages) < 2 {
		return false
	}
	last := s.Messages[len(s.Messages)-1]
	return last.Role == session.RoleAssistant && len(last.ToolCalls) == 0
}

// chooseModel picks the summarization model: the session model when it
// supports structured output, else the stored summary model, else the
// explicit override, else skip.
func (w *Worker) chooseModel(ctx context.Context, s *session.Session, override string) (string, error) {
	if info, err := w.upstream.GetModel(ctx, s.Metadata.Model); err == nil {
		if info.HasCapability("completion") {
			return s.Metadata.Model, nil
		}
	}
	if s.Metadata.SummaryModel != nil && *s.Metadata.SummaryModel != "" {
		return *s.Metadata.SummaryModel, nil
	}
	if override != "" {
		return override, nil
	}
	return "", fmt.Errorf("%w: no model supports structured output", ErrSkipped)
}

func decodeSummary(raw string) (*session.Summary, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("summary response is not JSON: %w", err)
	}
	if err := responseSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("summary response rejected: %w", err)
	}

	var sum session.Summary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return nil, err
	}
	sum.Summary = strings.TrimSpace(sum.Summary)
	if sum.Topics == nil {
		sum.Topics = []string{}
	}
	return &sum, nil
}

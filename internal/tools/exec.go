package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("mochi-server/tools")

// execTimeout bounds a single tool subprocess.
const execTimeout = 60 * time.Second

// Result is the outcome of one tool execution. Failures are captured
// here; Execute never propagates them as errors.
type Result struct {
	OK           bool    `json:"ok"`
	Result       string  `json:"result"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Duration     float64 `json:"duration"`
}

// ErrorString renders a result the way it is fed back to the model.
func (r Result) ErrorString() string {
	if r.OK {
		return r.Result
	}
	return "Error: " + r.ErrorMessage
}

// Execute runs the named tool with the given arguments. The argument
// object is written to the subprocess as JSON on stdin; stdout is the
// string result. Any failure is reported in the Result, never raised.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	ctx, span := tracer.Start(ctx, "tools.execute", trace.WithAttributes(
		attribute.String("tool.name", name),
	))
	defer span.End()

	start := time.Now()

	t, err := r.Get(name)
	if err != nil {
		return failure(start, err.Error())
	}
	if args == nil {
		args = map[string]any{}
	}
	for _, req := range t.Manifest.Required {
		if _, ok := args[req]; !ok {
			return failure(start, fmt.Sprintf("missing required argument %q", req))
		}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return failure(start, "encode arguments: "+err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "./"+t.Manifest.Command)
	cmd.Dir = t.Dir
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)
	slog.Debug("tool executed", "tool", name, "duration", duration, "error", runErr)

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failure(start, fmt.Sprintf("tool timed out after %s", execTimeout))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return failure(start, msg)
	}

	return Result{
		OK:       true,
		Result:   strings.TrimRight(stdout.String(), "\n"),
		Duration: duration.Seconds(),
	}
}

func failure(start time.Time, msg string) Result {
	return Result{
		OK:           false,
		ErrorMessage: msg,
		Duration:     time.Since(start).Seconds(),
	}
}

package chat

import (
	"context"
)

// TurnError is a mid-turn failure surfaced by the non-streaming
// variant, carrying the envelope error code.
type TurnError struct {
	Code    string
	Message string
}

func (e *TurnError) Error() string { return e.Message }

// TurnResult is the aggregated response of the non-streaming variant.
type TurnResult struct {
	SessionID         string         `json:"session_id"`
	Message           string         `json:"message"`
	ToolCallsExecuted []ExecutedCall `json:"tool_calls_executed"`
	ContextWindow     int            `json:"context_window"`
}

// RunCollect runs the same turn algorithm against a collecting sink and
// returns the aggregated result.
func (o *Orchestrator) RunCollect(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	sink := NewCollectSink()
	if err := o.Run(ctx, req, sink); err != nil {
		return nil, err
	}
	if data := sink.Err(); data != nil {
		code, _ := data["code"].(string)
		msg, _ := data["message"].(string)
		if code == "" {
			code = "INTERNAL_ERROR"
		}
		return nil, &TurnError{Code: code, Message: msg}
	}

	executed := sink.Executed()
	if executed == nil {
		executed = []ExecutedCall{}
	}
	return &TurnResult{
		SessionID:         req.SessionID,
		Message:           sink.Message(),
		ToolCallsExecuted: executed,
		ContextWindow:     sink.ContextWindow(),
	}, nil
}

// Package session owns persistent conversation sessions: the message
// history, metadata, schema migration, and the on-disk store.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the current session document schema version.
const FormatVersion = "1.3"

// Message roles.
const (
	RoleUser      = "user"
	RoleSystem    = "system"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool execution policies.
const (
	PolicyAlwaysConfirm      = "always_confirm"
	PolicyNeverConfirm       = "never_confirm"
	PolicyConfirmDestructive = "confirm_destructive"
)

// Context-window adjustment reasons.
const (
	ReasonInitialSetup   = "initial_setup"
	ReasonUsageThreshold = "usage_threshold"
	ReasonModelChange    = "model_change"
	ReasonNoAdjustment   = "no_adjustment"
	ReasonManualOverride = "manual_override"
)

// MaxAdjustmentHistory bounds ContextWindowConfig.AdjustmentHistory.
const MaxAdjustmentHistory = 10

// Message is one entry in a session history. Role discriminates the
// four variants; variant-specific fields are omitted when empty.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`

	// system
	SourceFile *string `json:"source_file,omitempty"`

	// assistant
	Model           string           `json:"model,omitempty"`
	EvalCount       *int             `json:"eval_count,omitempty"`
	PromptEvalCount *int             `json:"prompt_eval_count,omitempty"`
	ToolCalls       []ToolCallRecord `json:"tool_calls,omitempty"`

	// tool
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCallRecord is a persisted tool-call descriptor.
type ToolCallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Summary is the background-generated conversation summary.
type Summary struct {
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
}

// ToolSettings configures tool execution for a session.
type ToolSettings struct {
	Tools           []string `json:"tools"`
	ToolGroup       *string  `json:"tool_group,omitempty"`
	ExecutionPolicy string   `json:"execution_policy"`
}

// DefaultToolSettings returns the settings applied to sessions that
// predate tool support.
func DefaultToolSettings() ToolSettings {
	return ToolSettings{Tools: []string{}, ExecutionPolicy: PolicyAlwaysConfirm}
}

// AgentSettings configures agent delegation for a session.
type AgentSettings struct {
	EnabledAgents []string       `json:"enabled_agents"`
	Selection     map[string]any `json:"selection,omitempty"`
}

// DefaultAgentSettings returns empty agent settings.
func DefaultAgentSettings() AgentSettings {
	return AgentSettings{EnabledAgents: []string{}}
}

// Adjustment is one entry in the context-window adjustment history.
type Adjustment struct {
	Timestamp string `json:"timestamp"`
	OldWindow int    `json:"old_window"`
	NewWindow int    `json:"new_window"`
	Reason    string `json:"reason"`
}

// ContextWindowConfig holds per-session context-window state.
type ContextWindowConfig struct {
	DynamicEnabled    bool         `json:"dynamic_enabled"`
	CurrentWindow     int          `json:"current_window"`
	LastAdjustment    string       `json:"last_adjustment"`
	AdjustmentHistory []Adjustment `json:"adjustment_history"`
	ManualOverride    bool         `json:"manual_override"`
}

// DefaultContextWindowConfig returns the config applied to sessions
// that predate dynamic context sizing.
func DefaultContextWindowConfig() ContextWindowConfig {
	return ContextWindowConfig{
		DynamicEnabled:    true,
		CurrentWindow:     8192,
		LastAdjustment:    ReasonInitialSetup,
		AdjustmentHistory: []Adjustment{},
	}
}

// RecordAdjustment appends an adjustment entry, evicting the oldest
// entries to keep the history bounded.
func (c *ContextWindowConfig) RecordAdjustment(oldWindow, newWindow int, reason string) {
	c.AdjustmentHistory = append(c.AdjustmentHistory, Adjustment{
		Timestamp: Now(),
		OldWindow: oldWindow,
		NewWindow: newWindow,
		Reason:    reason,
	})
	if n := len(c.AdjustmentHistory); n > MaxAdjustmentHistory {
		c.AdjustmentHistory = c.AdjustmentHistory[n-MaxAdjustmentHistory:]
	}
}

// Metadata is the session metadata block of the persisted document.
type Metadata struct {
	SessionID           string              `json:"session_id"`
	Model               string              `json:"model"`
	CreatedAt           string              `json:"created_at"`
	UpdatedAt           string              `json:"updated_at"`
	MessageCount        int                 `json:"message_count"`
	Summary             *Summary            `json:"summary"`
	SummaryModel        *string             `json:"summary_model"`
	FormatVersion       string              `json:"format_version"`
	ToolSettings        ToolSettings        `json:"tool_settings"`
	AgentSettings       AgentSettings       `json:"agent_settings"`
	ContextWindowConfig ContextWindowConfig `json:"context_window_config"`
}

// CreateOptions are the inputs for Store.Create.
type CreateOptions struct {
	Model                  string
	SystemPrompt           string
	SystemPromptSourceFile string
	ToolSettings           *ToolSettings
	AgentSettings          *AgentSettings

	// DynamicContextWindow overrides the default dynamic-sizing flag
	// for the new session. Nil keeps the default (enabled).
	DynamicContextWindow *bool
}

// SessionSummary is the listing view of one session.
type SessionSummary struct {
	SessionID    string   `json:"session_id"`
	Model        string   `json:"model"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	MessageCount int      `json:"message_count"`
	Preview      string   `json:"preview"`
	Summary      *Summary `json:"summary,omitempty"`
}

// NewID generates a 10-hex-character identifier from a
// cryptographically random source.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Now returns the current UTC time in the ISO-8601 form used across
// session documents.
func Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

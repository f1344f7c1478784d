package ollama

import "encoding/json"

// ModelInfo describes one model served by the upstream daemon.
type ModelInfo struct {
	Name              string   `json:"name"`
	SizeMB            float64  `json:"size_mb"`
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
	Capabilities      []string `json:"capabilities"`
	ContextLength     int      `json:"context_length"`
}

// HasCapability reports whether the model advertises the named capability.
func (m ModelInfo) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Message is one entry in the upstream chat request.
type Message struct {
	Role      string     `json:"role"` // "system", "user", "assistant", "tool"
	Content   string     `json:"content"`
	ToolName  string     `json:"tool_name,omitempty"` // for role="tool"
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the tool name and decoded argument mapping.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes a callable exposed to the model.
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction is the schema body of a Tool.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is a JSON-schema object describing tool arguments.
type ToolParameters struct {
	Type       string                   `json:"type"` // "object"
	Properties map[string]ToolParameter `json:"properties"`
	Required   []string                 `json:"required,omitempty"`
}

// ToolParameter describes one tool argument.
type ToolParameter struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ChatRequest is the input for ChatStream and StructuredChat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Think    bool      `json:"think,omitempty"`

	// NumCtx is passed through verbatim as options.num_ctx when > 0.
	NumCtx int `json:"-"`

	// Format, when set, requests structured output conforming to the
	// given JSON schema. Implies stream=false.
	Format json.RawMessage `json:"-"`
}

// Chunk is one record in the upstream chat stream.
type Chunk struct {
	Content         string     `json:"content"`
	Thinking        string     `json:"thinking,omitempty"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	Done            bool       `json:"done"`
	EvalCount       int        `json:"eval_count,omitempty"`
	PromptEvalCount int        `json:"prompt_eval_count,omitempty"`
}

// wire shapes for the Ollama native API

type wireChatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Tools    []Tool          `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Think    bool            `json:"think,omitempty"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type wireChatChunk struct {
	Model   string `json:"model"`
	Message struct {
		Role      string     `json:"role"`
		Content   string     `json:"content"`
		Thinking  string     `json:"thinking"`
		ToolCalls []ToolCall `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	Error           string `json:"error"`
}

type wireTagsResponse struct {
	Models []wireTagModel `json:"models"`
}

type wireTagModel struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Size    int64  `json:"size"`
	Details struct {
		Format            string `json:"format"`
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

type wireShowResponse struct {
	Details struct {
		Format            string `json:"format"`
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
	Capabilities []string                   `json:"capabilities"`
	ModelInfo    map[string]json.RawMessage `json:"model_info"`
}

// defaultContextLength is the conservative fallback when model metadata
// carries no context length.
const defaultContextLength = 2048

// contextLengthFromInfo parses the maximum context from model_info,
// preferring the family-qualified key.
func contextLengthFromInfo(info map[string]json.RawMessage, family string) int {
	for _, key := range []string{family + ".context_length", "context_length"} {
		raw, ok := info[key]
		if !ok {
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
			return n
		}
	}
	return defaultContextLength
}

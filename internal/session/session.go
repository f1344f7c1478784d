package session

import (
	"errors"
	"fmt"
)

// Mutation errors surfaced to the HTTP layer.
var (
	ErrNotFound            = errors.New("session not found")
	ErrInvalidMessageIndex = errors.New("invalid message index")
	ErrNoSystemMessage     = errors.New("no system message to remove")
	ErrCorrupt             = errors.New("corrupt session document")
)

// Session is one loaded conversation: metadata plus ordered messages.
type Session struct {
	Metadata Metadata  `json:"metadata"`
	Messages []Message `json:"messages"`
}

// New creates an empty session for the given model.
func New(model string) *Session {
	now := Now()
	return &Session{
		Metadata: Metadata{
			SessionID:           NewID(),
			Model:               model,
			CreatedAt:           now,
			UpdatedAt:           now,
			FormatVersion:       FormatVersion,
			ToolSettings:        DefaultToolSettings(),
			AgentSettings:       DefaultAgentSettings(),
			ContextWindowConfig: DefaultContextWindowConfig(),
		},
		Messages: []Message{},
	}
}

func (s *Session) touch() {
	s.Metadata.MessageCount = len(s.Messages)
	s.Metadata.UpdatedAt = Now()
}

// AddMessage appends a message and refreshes metadata.
func (s *Session) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.touch()
}

// HasSystemMessage reports whether position 0 holds a system message.
func (s *Session) HasSystemMessage() bool {
	return len(s.Messages) > 0 && s.Messages[0].Role == RoleSystem
}

// EditMessage replaces the content of the user message at index and
// truncates every message after it. Only user messages may be edited.
func (s *Session) EditMessage(index int, content string) error {
	if index < 0 || index >= len(s.Messages) {
		return fmt.Errorf("%w: index %d out of range (0-%d)", ErrInvalidMessageIndex, index, len(s.Messages)-1)
	}
	if s.Messages[index].Role != RoleUser {
		return fmt.Errorf("%w: can only edit user messages", ErrInvalidMessageIndex)
	}
	s.Messages[index].Content = content
	s.Messages[index].Timestamp = Now()
	s.Messages = s.Messages[:index+1]
	s.touch()
	return nil
}

// SetSystemMessage sets or replaces the system message at position 0.
// Surviving messages keep their ids; the history is not truncated.
func (s *Session) SetSystemMessage(content, sourceFile string) {
	msg := Message{
		Role:      RoleSystem,
		Content:   content,
		MessageID: NewID(),
		Timestamp: Now(),
	}
	if sourceFile != "" {
		msg.SourceFile = &sourceFile
	}
	if s.HasSystemMessage() {
		s.Messages[0] = msg
	} else {
		s.Messages = append([]Message{msg}, s.Messages...)
	}
	s.touch()
}

// RemoveSystemMessage deletes the system message at position 0.
func (s *Session) RemoveSystemMessage() error {
	if !s.HasSystemMessage() {
		return ErrNoSystemMessage
	}
	s.Messages = s.Messages[1:]
	s.touch()
	return nil
}

// UpdateModel switches the session to a new model.
func (s *Session) UpdateModel(model string) {
	s.Metadata.Model = model
	s.Metadata.UpdatedAt = Now()
}

// Preview returns the first user message truncated to maxLen runes.
func (s *Session) Preview(maxLen int) string {
	for _, msg := range s.Messages {
		if msg.Role != RoleUser {
			continue
		}
		runes := []rune(msg.Content)
		if len(runes) > maxLen {
			return string(runes[:maxLen-3]) + "..."
		}
		return msg.Content
	}
	return ""
}

// Summarize returns the listing view of this session.
func (s *Session) Summarize() SessionSummary {
	return SessionSummary{
		SessionID:    s.Metadata.SessionID,
		Model:        s.Metadata.Model,
		CreatedAt:    s.Metadata.CreatedAt,
		UpdatedAt:    s.Metadata.UpdatedAt,
		MessageCount: s.Metadata.MessageCount,
		Preview:      s.Preview(100),
		Summary:      s.Metadata.Summary,
	}
}

// validate checks the document invariants after load and migration.
func (s *Session) validate() error {
	if s.Metadata.SessionID == "" {
		return fmt.Errorf("%w: missing session_id", ErrCorrupt)
	}
	if s.Metadata.Model == "" {
		return fmt.Errorf("%w: missing model", ErrCorrupt)
	}
	seen := make(map[string]bool, len(s.Messages))
	for i, msg := range s.Messages {
		switch msg.Role {
		case RoleUser, RoleAssistant, RoleTool:
		case RoleSystem:
			if i != 0 {
				return fmt.Errorf("%w: system message at index %d", ErrCorrupt, i)
			}
		default:
			return fmt.Errorf("%w: unknown message role %q", ErrCorrupt, msg.Role)
		}
		if msg.MessageID != "" {
			if seen[msg.MessageID] {
				return fmt.Errorf("%w: duplicate message id %s", ErrCorrupt, msg.MessageID)
			}
			seen[msg.MessageID] = true
		}
	}
	return nil
}

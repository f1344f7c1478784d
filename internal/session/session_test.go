package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMsg(content string) Message {
	return Message{Role: RoleUser, Content: content, MessageID: NewID(), Timestamp: Now()}
}

func assistantMsg(content string) Message {
	return Message{Role: RoleAssistant, Content: content, MessageID: NewID(), Timestamp: Now(), Model: "m1"}
}

func TestNewSession(t *testing.T) {
	s := New("qwen3:14b")

	assert.Len(t, s.Metadata.SessionID, 10)
	assert.Equal(t, "qwen3:14b", s.Metadata.Model)
	assert.Equal(t, FormatVersion, s.Metadata.FormatVersion)
	assert.Equal(t, PolicyAlwaysConfirm, s.Metadata.ToolSettings.ExecutionPolicy)
	assert.Equal(t, 8192, s.Metadata.ContextWindowConfig.CurrentWindow)
	assert.True(t, s.Metadata.ContextWindowConfig.DynamicEnabled)
	assert.Empty(t, s.Messages)
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.Len(t, id, 10)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestAddMessageUpdatesMetadata(t *testing.T) {
	s := New("m1")
	before := s.Metadata.UpdatedAt

	s.AddMessage(userMsg("hello"))

	assert.Equal(t, 1, s.Metadata.MessageCount)
	assert.GreaterOrEqual(t, s.Metadata.UpdatedAt, before)
}

func TestEditMessageTruncatesTail(t *testing.T) {
	s := New("m1")
	s.AddMessage(userMsg("A"))
	s.AddMessage(assistantMsg("X"))
	s.AddMessage(userMsg("B"))
	s.AddMessage(assistantMsg("Y"))
	firstID := s.Messages[0].MessageID

	require.NoError(t, s.EditMessage(0, "A2"))

	require.Len(t, s.Messages, 1)
	assert.Equal(t, "A2", s.Messages[0].Content)
	assert.Equal(t, RoleUser, s.Messages[0].Role)
	assert.Equal(t, firstID, s.Messages[0].MessageID)
	assert.Equal(t, 1, s.Metadata.MessageCount)
}

func TestEditMessageAtLastUserMessage(t *testing.T) {
	s := New("m1")
	s.AddMessage(userMsg("A"))
	s.AddMessage(assistantMsg("X"))
	s.AddMessage(userMsg("B"))

	require.NoError(t, s.EditMessage(2, "B2"))

	require.Len(t, s.Messages, 3)
	assert.Equal(t, "B2", s.Messages[2].Content)
}

func TestEditMessageRejectsNonUser(t *testing.T) {
	s := New("m1")
	s.AddMessage(userMsg("A"))
	s.AddMessage(assistantMsg("X"))

	err := s.EditMessage(1, "nope")
	assert.ErrorIs(t, err, ErrInvalidMessageIndex)
}

func TestEditMessageRejectsSystemIndex(t *testing.T) {
	s := New("m1")
	s.SetSystemMessage("be nice", "")
	s.AddMessage(userMsg("A"))

	err := s.EditMessage(0, "nope")
	assert.ErrorIs(t, err, ErrInvalidMessageIndex)
}

func TestEditMessageOutOfRange(t *testing.T) {
	s := New("m1")
	s.AddMessage(userMsg("A"))

	assert.ErrorIs(t, s.EditMessage(5, "x"), ErrInvalidMessageIndex)
	assert.ErrorIs(t, s.EditMessage(-1, "x"), ErrInvalidMessageIndex)
}

func TestSetSystemMessageInsertsAtFront(t *testing.T) {
	s := New("m1")
	s.AddMessage(userMsg("A"))
	userID := s.Messages[0].MessageID

	s.SetSystemMessage("be terse", "prompt.md")

	require.Len(t, s.Messages, 2)
	assert.Equal(t, RoleSystem, s.Messages[0].Role)
	require.NotNil(t, s.Messages[0].SourceFile)
	assert.Equal(t, "prompt.md", *s.Messages[0].SourceFile)
	assert.Equal(t, userID, s.Messages[1].MessageID)
}

func TestSetSystemMessageReplacesExisting(t *testing.T) {
	s := New("m1")
	s.SetSystemMessage("v1", "")
	s.AddMessage(userMsg("A"))

	s.SetSystemMessage("v2", "")

	require.Len(t, s.Messages, 2)
	assert.Equal(t, "v2", s.Messages[0].Content)
	assert.True(t, s.HasSystemMessage())
}

func TestRemoveSystemMessage(t *testing.T) {
	s := New("m1")
	s.SetSystemMessage("v1", "")
	s.AddMessage(userMsg("A"))

	require.NoError(t, s.RemoveSystemMessage())
	require.Len(t, s.Messages, 1)
	assert.Equal(t, RoleUser, s.Messages[0].Role)

	assert.ErrorIs(t, s.RemoveSystemMessage(), ErrNoSystemMessage)
}

func TestPreviewTruncates(t *testing.T) {
	s := New("m1")
	s.AddMessage(userMsg(strings.Repeat("x", 200)))

	p := s.Preview(100)
	assert.Len(t, []rune(p), 100)
	assert.True(t, strings.HasSuffix(p, "..."))
}

func TestPreviewSkipsSystemMessage(t *testing.T) {
	s := New("m1")
	s.SetSystemMessage("system stuff", "")
	s.AddMessage(userMsg("question"))

	assert.Equal(t, "question", s.Preview(100))
}

func TestValidateRejectsMisplacedSystem(t *testing.T) {
	s := New("m1")
	s.AddMessage(userMsg("A"))
	s.Messages = append(s.Messages, Message{Role: RoleSystem, Content: "late", MessageID: NewID(), Timestamp: Now()})

	assert.ErrorIs(t, s.validate(), ErrCorrupt)
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	s := New("m1")
	m := userMsg("A")
	s.AddMessage(m)
	s.AddMessage(m)

	assert.ErrorIs(t, s.validate(), ErrCorrupt)
}

func TestRecordAdjustmentBoundsHistory(t *testing.T) {
	cfg := DefaultContextWindowConfig()
	for i := 0; i < 15; i++ {
		cfg.RecordAdjustment(i, i+1, ReasonUsageThreshold)
	}

	require.Len(t, cfg.AdjustmentHistory, MaxAdjustmentHistory)
	assert.Equal(t, 5, cfg.AdjustmentHistory[0].OldWindow)
	assert.Equal(t, 15, cfg.AdjustmentHistory[len(cfg.AdjustmentHistory)-1].NewWindow)
}

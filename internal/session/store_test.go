package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestStoreCreateAndGet(t *testing.T) {
	st := newTestStore(t)

	created, err := st.Create(CreateOptions{Model: "m1", SystemPrompt: "be nice"})
	require.NoError(t, err)

	loaded, err := st.Get(created.Metadata.SessionID)
	require.NoError(t, err)
	assert.Equal(t, created.Metadata.SessionID, loaded.Metadata.SessionID)
	assert.True(t, loaded.HasSystemMessage())
	assert.Equal(t, "be nice", loaded.Messages[0].Content)
}

func TestStoreCreateDynamicContextWindowDisabled(t *testing.T) {
	st := newTestStore(t)

	disabled := false
	created, err := st.Create(CreateOptions{Model: "m1", DynamicContextWindow: &disabled})
	require.NoError(t, err)

	loaded, err := st.Get(created.Metadata.SessionID)
	require.NoError(t, err)
	assert.False(t, loaded.Metadata.ContextWindowConfig.DynamicEnabled)
	assert.Equal(t, 8192, loaded.Metadata.ContextWindowConfig.CurrentWindow)

	// the default stays enabled
	byDefault, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)
	assert.True(t, byDefault.Metadata.ContextWindowConfig.DynamicEnabled)
}

func TestStoreRoundTripMessageVariants(t *testing.T) {
	st := newTestStore(t)
	created, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)
	id := created.Metadata.SessionID

	ec, pec := 42, 17
	src := "prompt.md"
	_, err = st.AppendMessages(id,
		Message{Role: RoleUser, Content: "hi", MessageID: NewID(), Timestamp: Now()},
		Message{
			Role: RoleAssistant, Content: "calling", MessageID: NewID(), Timestamp: Now(),
			Model: "m1", EvalCount: &ec, PromptEvalCount: &pec,
			ToolCalls: []ToolCallRecord{{Name: "now", Arguments: map[string]any{"tz": "utc"}}},
		},
		Message{Role: RoleTool, Content: "noon", MessageID: NewID(), Timestamp: Now(), ToolName: "now"},
	)
	require.NoError(t, err)
	_, err = st.SetSystemMessage(id, "sys", src)
	require.NoError(t, err)

	loaded, err := st.Get(id)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 4)
	assert.Equal(t, RoleSystem, loaded.Messages[0].Role)
	assert.Equal(t, &src, loaded.Messages[0].SourceFile)
	asst := loaded.Messages[2]
	require.NotNil(t, asst.EvalCount)
	assert.Equal(t, 42, *asst.EvalCount)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "now", asst.ToolCalls[0].Name)
	assert.Equal(t, "utc", asst.ToolCalls[0].Arguments["tz"])
	assert.Equal(t, "now", loaded.Messages[3].ToolName)
}

func TestStoreGetNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get("nosuch0000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRejectsTraversalIDs(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get("../escape")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	st := newTestStore(t)
	created, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)

	require.NoError(t, st.Delete(created.Metadata.SessionID))
	_, err = st.Get(created.Metadata.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.Delete(created.Metadata.SessionID), ErrNotFound)
}

func TestStoreListSortedByUpdatedAt(t *testing.T) {
	st := newTestStore(t)

	a, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = st.AppendMessage(a.Metadata.SessionID, Message{
		Role: RoleUser, Content: "bump", MessageID: NewID(), Timestamp: Now(),
	})
	require.NoError(t, err)

	list, err := st.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.Metadata.SessionID, list[0].SessionID)
	assert.Equal(t, b.Metadata.SessionID, list[1].SessionID)
	assert.Equal(t, "bump", list[0].Preview)
}

func TestStoreListSkipsUnreadable(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), "broken0000.json"), []byte("{not json"), 0o644))

	list, err := st.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func writeDoc(t *testing.T, st *Store, id string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), id+".json"), data, 0o644))
}

func TestMigrationFrom10(t *testing.T) {
	st := newTestStore(t)
	writeDoc(t, st, "legacy0001", map[string]any{
		"metadata": map[string]any{
			"session_id":     "legacy0001",
			"model":          "m1",
			"created_at":     Now(),
			"updated_at":     Now(),
			"message_count":  1,
			"format_version": "1.0",
		},
		"messages": []map[string]any{
			{"role": "user", "content": "hi", "message_id": "aaaaaaaaaa", "timestamp": Now()},
		},
	})

	s, err := st.Get("legacy0001")
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, s.Metadata.FormatVersion)
	assert.Equal(t, PolicyAlwaysConfirm, s.Metadata.ToolSettings.ExecutionPolicy)
	assert.Empty(t, s.Metadata.ToolSettings.Tools)
	assert.Equal(t, 8192, s.Metadata.ContextWindowConfig.CurrentWindow)
	assert.Equal(t, ReasonInitialSetup, s.Metadata.ContextWindowConfig.LastAdjustment)
	assert.Empty(t, s.Metadata.AgentSettings.EnabledAgents)
}

func TestMigrationFrom12KeepsExistingFields(t *testing.T) {
	st := newTestStore(t)
	writeDoc(t, st, "legacy0002", map[string]any{
		"metadata": map[string]any{
			"session_id":     "legacy0002",
			"model":          "m1",
			"created_at":     Now(),
			"updated_at":     Now(),
			"message_count":  0,
			"format_version": "1.2",
			"tool_settings": map[string]any{
				"tools":            []string{"now"},
				"execution_policy": PolicyNeverConfirm,
			},
			"context_window_config": map[string]any{
				"dynamic_enabled":    false,
				"current_window":     4096,
				"last_adjustment":    ReasonManualOverride,
				"adjustment_history": []any{},
				"manual_override":    true,
			},
		},
		"messages": []any{},
	})

	s, err := st.Get("legacy0002")
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, s.Metadata.FormatVersion)
	assert.Equal(t, []string{"now"}, s.Metadata.ToolSettings.Tools)
	assert.Equal(t, PolicyNeverConfirm, s.Metadata.ToolSettings.ExecutionPolicy)
	assert.Equal(t, 4096, s.Metadata.ContextWindowConfig.CurrentWindow)
	assert.True(t, s.Metadata.ContextWindowConfig.ManualOverride)
	assert.Empty(t, s.Metadata.AgentSettings.EnabledAgents)
}

func TestMigrationPersistsOnSave(t *testing.T) {
	st := newTestStore(t)
	writeDoc(t, st, "legacy0003", map[string]any{
		"metadata": map[string]any{
			"session_id":     "legacy0003",
			"model":          "m1",
			"created_at":     Now(),
			"updated_at":     Now(),
			"message_count":  0,
			"format_version": "1.0",
		},
		"messages": []any{},
	})

	_, err := st.Mutate("legacy0003", func(*Session) error { return nil })
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(st.Dir(), "legacy0003.json"))
	require.NoError(t, err)
	var doc struct {
		Metadata struct {
			FormatVersion string `json:"format_version"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, FormatVersion, doc.Metadata.FormatVersion)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	st := newTestStore(t)
	writeDoc(t, st, "future0001", map[string]any{
		"metadata": map[string]any{
			"session_id":     "future0001",
			"model":          "m1",
			"format_version": "9.9",
		},
		"messages": []any{},
	})

	_, err := st.Get("future0001")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadRejectsCorruptDocument(t *testing.T) {
	st := newTestStore(t)
	writeDoc(t, st, "corrupt001", map[string]any{
		"metadata": map[string]any{
			"session_id":     "corrupt001",
			"model":          "m1",
			"format_version": "1.3",
			"tool_settings": map[string]any{
				"tools": []string{}, "execution_policy": PolicyAlwaysConfirm,
			},
			"agent_settings":        map[string]any{"enabled_agents": []string{}},
			"context_window_config": map[string]any{"dynamic_enabled": true, "current_window": 8192, "last_adjustment": ReasonInitialSetup, "adjustment_history": []any{}},
		},
		"messages": []map[string]any{
			{"role": "alien", "content": "??", "message_id": "x1", "timestamp": Now()},
		},
	})

	_, err := st.Get("corrupt001")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStoreEditMessagePersists(t *testing.T) {
	st := newTestStore(t)
	created, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)
	id := created.Metadata.SessionID

	_, err = st.AppendMessages(id,
		Message{Role: RoleUser, Content: "A", MessageID: NewID(), Timestamp: Now()},
		Message{Role: RoleAssistant, Content: "X", MessageID: NewID(), Timestamp: Now(), Model: "m1"},
	)
	require.NoError(t, err)

	_, err = st.EditMessage(id, 0, "B")
	require.NoError(t, err)

	loaded, err := st.Get(id)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "B", loaded.Messages[0].Content)
}

func TestStoreLeavesNoTempFiles(t *testing.T) {
	st := newTestStore(t)
	created, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = st.AppendMessage(created.Metadata.SessionID, Message{
			Role: RoleUser, Content: "m", MessageID: NewID(), Timestamp: Now(),
		})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(st.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ".json", filepath.Ext(e.Name()))
	}
}

func TestAcquireTurnSerializes(t *testing.T) {
	st := newTestStore(t)
	created, err := st.Create(CreateOptions{Model: "m1"})
	require.NoError(t, err)
	id := created.Metadata.SessionID

	release := st.AcquireTurn(id)
	acquired := make(chan struct{})
	go func() {
		r := st.AcquireTurn(id)
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second turn acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second turn never acquired")
	}
}

package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store persists sessions as one JSON document per session in a
// directory. Every mutation rewrites the document atomically
// (write-to-temp + rename). Access to each session is serialized with a
// per-session lock; a separate turn lock keeps concurrent chat turns
// against the same session from interleaving.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	turns map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
		turns: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the store's root directory.
func (st *Store) Dir() string { return st.dir }

func (st *Store) lockFor(m map[string]*sync.Mutex, id string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	l, ok := m[id]
	if !ok {
		l = &sync.Mutex{}
		m[id] = l
	}
	return l
}

// AcquireTurn takes the per-session turn lock and returns its release
// function. At most one turn mutates a session at a time.
func (st *Store) AcquireTurn(id string) func() {
	l := st.lockFor(st.turns, id)
	l.Lock()
	return l.Unlock
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok {
			return false
		}
	}
	return true
}

// Create builds a new session from opts, persists it, and returns it.
func (st *Store) Create(opts CreateOptions) (*Session, error) {
	s := New(opts.Model)
	if opts.ToolSettings != nil {
		s.Metadata.ToolSettings = *opts.ToolSettings
	}
	if opts.AgentSettings != nil {
		s.Metadata.AgentSettings = *opts.AgentSettings
	}
	if opts.DynamicContextWindow != nil {
		s.Metadata.ContextWindowConfig.DynamicEnabled = *opts.DynamicContextWindow
	}
	if opts.SystemPrompt != "" {
		s.SetSystemMessage(opts.SystemPrompt, opts.SystemPromptSourceFile)
	}
	if err := st.save(s); err != nil {
		return nil, err
	}
	slog.Info("created session", "session", s.Metadata.SessionID, "model", opts.Model)
	return s, nil
}

// Get loads one session, migrating older document formats in memory.
func (st *Store) Get(id string) (*Session, error) {
	l := st.lockFor(st.locks, id)
	l.Lock()
	defer l.Unlock()
	return st.load(id)
}

// Mutate loads a session, applies fn, and persists the result, all
// under the per-session lock. If fn returns an error nothing is
// written.
func (st *Store) Mutate(id string, fn func(*Session) error) (*Session, error) {
	l := st.lockFor(st.locks, id)
	l.Lock()
	defer l.Unlock()

	s, err := st.load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := st.save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AppendMessage appends one message and persists.
func (st *Store) AppendMessage(id string, msg Message) (*Session, error) {
	return st.AppendMessages(id, msg)
}

// AppendMessages appends several messages in one atomic rewrite, so an
// assistant message and its tool results land together.
func (st *Store) AppendMessages(id string, msgs ...Message) (*Session, error) {
	return st.Mutate(id, func(s *Session) error {
		for _, m := range msgs {
			s.AddMessage(m)
		}
		return nil
	})
}

// EditMessage edits the user message at index and truncates the tail.
func (st *Store) EditMessage(id string, index int, content string) (*Session, error) {
	return st.Mutate(id, func(s *Session) error {
		return s.EditMessage(index, content)
	})
}

// SetSystemMessage sets or replaces the system message slot.
func (st *Store) SetSystemMessage(id, content, sourceFile string) (*Session, error) {
	return st.Mutate(id, func(s *Session) error {
		s.SetSystemMessage(content, sourceFile)
		return nil
	})
}

// RemoveSystemMessage removes the system message slot.
func (st *Store) RemoveSystemMessage(id string) (*Session, error) {
	return st.Mutate(id, func(s *Session) error {
		return s.RemoveSystemMessage()
	})
}

// Messages returns the message list of one session.
func (st *Store) Messages(id string) ([]Message, error) {
	s, err := st.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Messages, nil
}

// Delete removes a session document.
func (st *Store) Delete(id string) error {
	l := st.lockFor(st.locks, id)
	l.Lock()
	defer l.Unlock()

	if !validID(id) {
		return ErrNotFound
	}
	err := os.Remove(st.path(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	slog.Info("deleted session", "session", id)
	return nil
}

// List scans the directory and returns summaries sorted by updated_at
// descending. Unreadable documents are skipped with a warning.
func (st *Store) List() ([]SessionSummary, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("scan sessions dir: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		s, err := st.Get(id)
		if err != nil {
			slog.Warn("skipping unreadable session", "session", id, "error", err)
			continue
		}
		summaries = append(summaries, s.Summarize())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt > summaries[j].UpdatedAt
	})
	return summaries, nil
}

func (st *Store) load(id string) (*Session, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(st.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	s, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return s, nil
}

func (st *Store) save(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(st.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, st.path(s.Metadata.SessionID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// wireMetadata mirrors Metadata with pointers on the fields introduced
// after format 1.0, so migration can tell absent from zero.
type wireMetadata struct {
	SessionID           string               `json:"session_id"`
	Model               string               `json:"model"`
	CreatedAt           string               `json:"created_at"`
	UpdatedAt           string               `json:"updated_at"`
	MessageCount        int                  `json:"message_count"`
	Summary             *Summary             `json:"summary"`
	SummaryModel        *string              `json:"summary_model"`
	FormatVersion       string               `json:"format_version"`
	ToolSettings        *ToolSettings        `json:"tool_settings"`
	AgentSettings       *AgentSettings       `json:"agent_settings"`
	ContextWindowConfig *ContextWindowConfig `json:"context_window_config"`
}

type wireSession struct {
	Metadata wireMetadata `json:"metadata"`
	Messages []Message    `json:"messages"`
}

// decode parses a session document, applying forward migration
// 1.0→1.1→1.2→1.3. Documents that fail validation after migration are
// reported as corrupt, never repaired.
func decode(data []byte) (*Session, error) {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	version := w.Metadata.FormatVersion
	if version == "" {
		version = "1.0"
	}

	if version == "1.0" {
		if w.Metadata.ToolSettings == nil {
			ts := DefaultToolSettings()
			w.Metadata.ToolSettings = &ts
		}
		version = "1.1"
	}
	if version == "1.1" {
		if w.Metadata.ContextWindowConfig == nil {
			cw := DefaultContextWindowConfig()
			w.Metadata.ContextWindowConfig = &cw
		}
		version = "1.2"
	}
	if version == "1.2" {
		if w.Metadata.AgentSettings == nil {
			as := DefaultAgentSettings()
			w.Metadata.AgentSettings = &as
		}
		version = "1.3"
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format_version %q", ErrCorrupt, w.Metadata.FormatVersion)
	}

	// Older 1.x documents from before these fields were mandatory.
	if w.Metadata.ToolSettings == nil {
		ts := DefaultToolSettings()
		w.Metadata.ToolSettings = &ts
	}
	if w.Metadata.AgentSettings == nil {
		as := DefaultAgentSettings()
		w.Metadata.AgentSettings = &as
	}
	if w.Metadata.ContextWindowConfig == nil {
		cw := DefaultContextWindowConfig()
		w.Metadata.ContextWindowConfig = &cw
	}

	s := &Session{
		Metadata: Metadata{
			SessionID:           w.Metadata.SessionID,
			Model:               w.Metadata.Model,
			CreatedAt:           w.Metadata.CreatedAt,
			UpdatedAt:           w.Metadata.UpdatedAt,
			MessageCount:        w.Metadata.MessageCount,
			Summary:             w.Metadata.Summary,
			SummaryModel:        w.Metadata.SummaryModel,
			FormatVersion:       version,
			ToolSettings:        *w.Metadata.ToolSettings,
			AgentSettings:       *w.Metadata.AgentSettings,
			ContextWindowConfig: *w.Metadata.ContextWindowConfig,
		},
		Messages: w.Messages,
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Package prompts manages reusable system prompt files stored under
// the system-prompts directory.
package prompts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrPromptNotFound means no prompt file with that name exists.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrPromptExists means a create collided with an existing file.
	ErrPromptExists = errors.New("prompt already exists")
	// ErrInvalidName rejects names outside the allowed character set or
	// extension.
	ErrInvalidName = errors.New("invalid prompt name")
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Prompt is one stored system prompt.
type Prompt struct {
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	Size    int64  `json:"size"`
	ModTime string `json:"modified_at"`
}

// Service does file CRUD over the prompt directory. Only .md and .txt
// files are recognized.
type Service struct {
	dir string
}

// NewService creates the service, creating dir if needed.
func NewService(dir string) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create prompts dir: %w", err)
	}
	return &Service{dir: dir}, nil
}

func validName(name string) bool {
	if !nameRe.MatchString(name) || strings.Contains(name, "..") {
		return false
	}
	switch filepath.Ext(name) {
	case ".md", ".txt":
		return true
	}
	return false
}

func (s *Service) path(name string) string {
	return filepath.Join(s.dir, name)
}

// List returns every prompt file, without contents, sorted by name.
func (s *Service) List() ([]Prompt, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan prompts dir: %w", err)
	}
	out := make([]Prompt, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !validName(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Prompt{
			Name:    e.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one prompt with its content.
func (s *Service) Get(name string) (*Prompt, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, ErrPromptNotFound
	}
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(s.path(name))
	if err != nil {
		return nil, err
	}
	return &Prompt{
		Name:    name,
		Content: string(data),
		Size:    fi.Size(),
		ModTime: fi.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

// Create writes a new prompt file; an existing name is a conflict.
func (s *Service) Create(name, content string) (*Prompt, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	if _, err := os.Stat(s.path(name)); err == nil {
		return nil, ErrPromptExists
	}
	if err := os.WriteFile(s.path(name), []byte(content), 0o644); err != nil {
		return nil, err
	}
	return s.Get(name)
}

// Update overwrites an existing prompt file.
func (s *Service) Update(name, content string) (*Prompt, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	if _, err := os.Stat(s.path(name)); err != nil {
		return nil, ErrPromptNotFound
	}
	if err := os.WriteFile(s.path(name), []byte(content), 0o644); err != nil {
		return nil, err
	}
	return s.Get(name)
}

// Delete removes a prompt file.
func (s *Service) Delete(name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return ErrPromptNotFound
	}
	return err
}

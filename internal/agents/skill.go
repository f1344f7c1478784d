// Package agents discovers delegable agents and runs the two-phase
// planning + execution loop against a dedicated agent chat store.
package agents

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is the parsed skill.md of one agent: YAML frontmatter plus the
// system prompt body.
type Skill struct {
	Description string `yaml:"description"`
	Model       string `yaml:"model"`

	Prompt string `yaml:"-"`
}

// parseSkill splits a skill document into frontmatter and body. The
// document must start with a "---" fence and carry a non-empty
// description.
func parseSkill(data []byte) (*Skill, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return nil, fmt.Errorf("missing frontmatter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}
	front := rest[:end]
	body := rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}

	var s Skill
	if err := yaml.Unmarshal([]byte(front), &s); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if strings.TrimSpace(s.Description) == "" {
		return nil, fmt.Errorf("frontmatter missing description")
	}
	s.Prompt = strings.TrimSpace(body)
	return &s, nil
}

// loadSkill reads and parses a skill.md file.
func loadSkill(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseSkill(data)
}

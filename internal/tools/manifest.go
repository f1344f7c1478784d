// Package tools discovers and executes external tools. A tool is a
// subdirectory of the tools dir holding a tool.json manifest and an
// executable; the executable receives the JSON argument object on stdin
// and writes its string result to stdout.
package tools

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Param describes one manifest parameter.
type Param struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Manifest is the parsed tool.json descriptor.
type Manifest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  map[string]Param `json:"parameters"`
	Required    []string         `json:"required,omitempty"`
	Returns     string           `json:"returns,omitempty"`
	Group       string           `json:"group,omitempty"`
	Destructive bool             `json:"destructive,omitempty"`
	Command     string           `json:"command"`
}

const manifestSchemaJSON = `{
  "type": "object",
  "required": ["name", "description", "command"],
  "properties": {
    "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
    "description": {"type": "string", "minLength": 1},
    "parameters": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "enum": ["string", "number", "integer", "boolean", "array", "object"]},
          "description": {"type": "string"},
          "enum": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "required": {"type": "array", "items": {"type": "string"}},
    "returns": {"type": "string"},
    "group": {"type": "string"},
    "destructive": {"type": "boolean"},
    "command": {"type": "string", "minLength": 1}
  }
}`

var manifestSchema = jsonschema.MustCompileString("tool-manifest.json", manifestSchemaJSON)

// loadManifest reads and validates the tool.json in dir. The returned
// version tag is stable for identical manifest bytes.
func loadManifest(dir string) (*Manifest, string, error) {
	path := filepath.Join(dir, "tool.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", path, err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, "", fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", path, err)
	}
	if m.Parameters == nil {
		m.Parameters = map[string]Param{}
	}

	cmd := filepath.Join(dir, m.Command)
	fi, err := os.Stat(cmd)
	if err != nil {
		return nil, "", fmt.Errorf("tool command %s: %w", m.Command, err)
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return nil, "", fmt.Errorf("tool command %s is not executable", m.Command)
	}

	sum := sha256.Sum256(data)
	return &m, hex.EncodeToString(sum[:])[:12], nil
}

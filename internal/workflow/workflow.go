// Package workflow manages the named prompt templates runs execute. Built-in
// templates ship embedded in the binary; a user directory can override them
// or add new ones, with hot reload.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknown indicates no workflow with the given name is registered.
var ErrUnknown = errors.New("unknown workflow")

// Workflow is a named prompt-plus-tool-policy template.
type Workflow struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// AllowedTools restricts the child's tool set. Empty means unrestricted.
	AllowedTools []string `yaml:"allowed_tools"`
	// DefaultMaxTurns applies when the request does not set max_turns.
	DefaultMaxTurns int `yaml:"default_max_turns"`
	// PersistentWorkspace selects the workflow's reusable worktree over the
	// shared main one.
	PersistentWorkspace bool `yaml:"persistent_workspace"`
	// Model overrides the child's default model when set.
	Model string `yaml:"model"`
	// Env adds workflow-specific environment variables to the child.
	Env map[string]string `yaml:"env"`

	// SystemPrompt is the markdown body below the frontmatter.
	SystemPrompt string `yaml:"-"`
	// BuiltIn marks templates compiled into the binary.
	BuiltIn bool `yaml:"-"`
}

const frontmatterDelim = "---"

// Parse decodes a template file: YAML frontmatter between "---" delimiters,
// then the system prompt body.
func Parse(data []byte) (*Workflow, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	rest, found := strings.CutPrefix(text, frontmatterDelim+"\n")
	if !found {
		return nil, errors.New("missing frontmatter delimiter")
	}
	meta, body, found := strings.Cut(rest, "\n"+frontmatterDelim+"\n")
	if !found {
		return nil, errors.New("unterminated frontmatter")
	}

	var wf Workflow
	if err := yaml.Unmarshal([]byte(meta), &wf); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if wf.Name == "" {
		return nil, errors.New("workflow name is required")
	}
	wf.SystemPrompt = strings.TrimSpace(body)
	if wf.SystemPrompt == "" {
		return nil, fmt.Errorf("workflow %s has an empty prompt", wf.Name)
	}
	return &wf, nil
}

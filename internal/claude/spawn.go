// Package claude supervises one claude CLI child process per run: spawning
// it in its own process group, reading its stream-json stdout, capturing
// stderr, enforcing timeouts and walking the graceful-then-forceful
// termination ladder.
package claude

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// InputFormat selects how the prompt and later messages reach the child.
type InputFormat string

const (
	InputText       InputFormat = "text"
	InputStreamJSON InputFormat = "stream-json"
)

// CommandFactoryFunc creates an exec.Cmd. Tests use it to substitute a fake
// child for the real CLI.
type CommandFactoryFunc func(name string, args ...string) *exec.Cmd

// Config describes one child process to spawn.
type Config struct {
	// Executable is the claude binary; resolved via FindExecutable when empty.
	Executable string
	// WorkDir is the workspace the child runs in.
	WorkDir string
	// SystemPrompt is appended to the child's system prompt.
	SystemPrompt string
	// Prompt is the user message that starts the run.
	Prompt string
	// ResumeSessionID resumes a prior child session when set.
	ResumeSessionID string
	Model           string
	MaxTurns        int
	InputFormat     InputFormat
	AllowedTools    []string
	// Env entries override or extend the inherited environment (KEY=VALUE).
	Env []string

	// Timeout is the wall-clock limit from spawn; zero means no limit.
	Timeout time.Duration
	// InactivityTimeout trips when no stdout line arrives for this long.
	InactivityTimeout time.Duration

	CommandFactory CommandFactoryFunc
}

// buildArgs composes the CLI invocation for headless streaming output.
func buildArgs(cfg Config) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}

	if cfg.InputFormat == InputStreamJSON {
		args = append(args, "--input-format", "stream-json")
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(cfg.AllowedTools, ","))
	}

	args = append(args, "--dangerously-skip-permissions")

	// Text mode passes the prompt on the command line; stream-json mode
	// delivers it over stdin after spawn.
	if cfg.InputFormat != InputStreamJSON {
		args = append(args, "--", cfg.Prompt)
	}

	return args
}

// FindExecutable locates the claude binary: explicit path, then PATH, then
// the local install location the CLI's own installer uses.
func FindExecutable(configured string) (string, error) {
	if configured != "" && strings.ContainsRune(configured, os.PathSeparator) {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("claude executable not found at %s: %w", configured, err)
		}
		return configured, nil
	}

	name := configured
	if name == "" {
		name = "claude"
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		local := filepath.Join(home, ".claude", "local", name)
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
	}

	return "", fmt.Errorf("claude executable %q not found in PATH or ~/.claude/local", name)
}

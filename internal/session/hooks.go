package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HookHandler represents a single hook handler within an event group.
type HookHandler struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// HookGroup represents a group of hooks for a single event, with an optional matcher.
type HookGroup struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []HookHandler `json:"hooks"`
}

// HooksConfig is the agent settings structure containing hooks.
// Written to .claude/settings.local.json.
type HooksConfig struct {
	Hooks map[string][]HookGroup `json:"hooks"`
}

// heartbeatEvents are the agent lifecycle events that prove the worker is alive.
var heartbeatEvents = []string{"UserPromptSubmit", "PostToolUse", "Stop"}

// GenerateHooksConfig builds a hooks config that records a pipeline heartbeat
// on every agent lifecycle event.
func GenerateHooksConfig(bin, taskID string) *HooksConfig {
	cmd := fmt.Sprintf("%s heartbeat %s --quiet", shellQuote(bin), shellQuote(taskID))

	hooks := make(map[string][]HookGroup, len(heartbeatEvents))
	for _, ev := range heartbeatEvents {
		g := HookGroup{Hooks: []HookHandler{{Type: "command", Command: cmd}}}
		if ev == "PostToolUse" {
			g.Matcher = "*"
		}
		hooks[ev] = []HookGroup{g}
	}
	return &HooksConfig{Hooks: hooks}
}

// ResolveBinary returns the absolute path to the running binary.
// Uses os.Executable() first, falling back to "autodev" (assumes PATH).
func ResolveBinary() string {
	if exe, err := os.Executable(); err == nil {
		if abs, err := filepath.EvalSymlinks(exe); err == nil {
			return abs
		}
		return exe
	}
	return "autodev"
}

// WriteHooksFile writes the hooks config to <workdir>/.claude/settings.local.json.
// If the file already exists, it reads it and merges the hooks key.
// Creates the .claude directory if it doesn't exist.
func WriteHooksFile(workdir string, cfg *HooksConfig) (string, error) {
	dir := filepath.Join(workdir, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create .claude dir: %w", err)
	}

	path := filepath.Join(dir, "settings.local.json")

	existing := make(map[string]any)
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &existing)
	}
	existing["hooks"] = cfg.Hooks

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write settings file: %w", err)
	}
	return path, nil
}

// shellQuote single-quotes s unless it is made only of safe characters.
func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:=@") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

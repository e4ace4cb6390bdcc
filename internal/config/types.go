package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration parsed from autodev YAML.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Watchdog Watchdog `yaml:"watchdog"`
	Retry    Retry    `yaml:"retry"`
	Poll     Poll     `yaml:"poll"`
	Source   Source   `yaml:"source"`
	Launcher Launcher `yaml:"launcher"`
	Analyzer Analyzer `yaml:"analyzer"`
	Review   Review   `yaml:"review"`
	Web      Web      `yaml:"web"`
	Log      Log      `yaml:"log"`
}

// Storage selects where pipelines, events and the fallback queue live.
type Storage struct {
	// Backend is "file" or "postgres".
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	PostgresName string `yaml:"postgres_name"`
	DBPath       string `yaml:"db_path"`
}

// Watchdog configures stale-heartbeat recovery.
type Watchdog struct {
	Enabled        *bool    `yaml:"enabled,omitempty"`
	CheckInterval  Duration `yaml:"check_interval"`
	StaleThreshold Duration `yaml:"stale_threshold"`
}

// IsEnabled reports whether the watchdog runs. Unset means enabled.
func (w Watchdog) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Retry configures backoff for calls to GitHub, git and the agents.
type Retry struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
	Timeout       Duration `yaml:"timeout"`
}

// Poll configures the daemon loop.
type Poll struct {
	Interval  Duration `yaml:"interval"`
	PRTimeout Duration `yaml:"pr_timeout"`
}

// Source configures the GitHub issue task source.
type Source struct {
	Repo            string `yaml:"repo"`
	ReadyLabel      string `yaml:"ready_label"`
	InProgressLabel string `yaml:"in_progress_label"`
	DoneLabel       string `yaml:"done_label"`
	FailedLabel     string `yaml:"failed_label"`
	Limit           int    `yaml:"limit"`
}

// Launcher configures how implementation workers are started.
type Launcher struct {
	RepoDir           string   `yaml:"repo_dir"`
	WorktreeDir       string   `yaml:"worktree_dir"`
	AgentCommand      string   `yaml:"agent_command"`
	SessionPrefix     string   `yaml:"session_prefix"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// Analyzer configures the pre-implementation analysis pass.
type Analyzer struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Model   string `yaml:"model"`
}

// IsEnabled reports whether analysis runs. Unset means enabled.
func (a Analyzer) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Review configures the optional review and fix passes.
type Review struct {
	Enabled       bool   `yaml:"enabled"`
	ReviewCommand string `yaml:"review_command"`
	FixCommand    string `yaml:"fix_command"`
}

// Web configures the read-only status server. An empty Addr keeps it off
// in the daemon; "autodev serve" falls back to 127.0.0.1:8420.
type Web struct {
	Addr string `yaml:"addr,omitempty"`
}

// Log configures logging output.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written as a Go duration string ("30s", "2h").
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", value.Line)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration at path, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads the first config found in ./autodev.yaml or
// ~/.autodev/config.yaml. With neither present it returns the defaults.
func LoadDefault() (*Config, string, error) {
	candidates := []string{"autodev.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".autodev", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	cfg, err := Default()
	return cfg, "", err
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	var cfg Config
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StateDir returns ~/.autodev.
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".autodev"), nil
}

// applyDefaults fills every unset field. Paths under the state directory are
// only resolved when needed so a missing home directory is not an error for
// configs that set them explicitly.
func applyDefaults(cfg *Config) error {
	s := &cfg.Storage
	if s.Backend == "" {
		s.Backend = "file"
	}
	if s.PostgresName == "" {
		s.PostgresName = "default"
	}
	if s.Path == "" || s.DBPath == "" {
		dir, err := StateDir()
		if err != nil {
			return err
		}
		if s.Path == "" {
			s.Path = filepath.Join(dir, "pipelines.json")
		}
		if s.DBPath == "" {
			s.DBPath = filepath.Join(dir, "autodev.db")
		}
	}

	w := &cfg.Watchdog
	setDuration(&w.CheckInterval, time.Minute)
	setDuration(&w.StaleThreshold, 10*time.Minute)

	r := &cfg.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	setDuration(&r.BaseDelay, time.Second)
	setDuration(&r.MaxDelay, 30*time.Second)
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2
	}

	p := &cfg.Poll
	setDuration(&p.Interval, 30*time.Second)
	setDuration(&p.PRTimeout, 2*time.Hour)

	src := &cfg.Source
	setString(&src.ReadyLabel, "autodev:ready")
	setString(&src.InProgressLabel, "autodev:in-progress")
	setString(&src.DoneLabel, "autodev:done")
	setString(&src.FailedLabel, "autodev:failed")
	if src.Limit == 0 {
		src.Limit = 20
	}

	l := &cfg.Launcher
	setString(&l.RepoDir, ".")
	if l.WorktreeDir == "" {
		l.WorktreeDir = filepath.Join(l.RepoDir, "worktrees")
	}
	setString(&l.AgentCommand, "claude --dangerously-skip-permissions")
	setString(&l.SessionPrefix, "autodev")
	setDuration(&l.HeartbeatInterval, 30*time.Second)

	setString(&cfg.Analyzer.Model, "haiku")
	setString(&cfg.Review.ReviewCommand, "codex exec --full-auto")
	setString(&cfg.Review.FixCommand, "claude --print --dangerously-skip-permissions")

	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "text")
	return nil
}

// Write saves cfg as YAML to path, refusing to overwrite an existing file.
func Write(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func setDuration(d *Duration, v time.Duration) {
	if d.Duration == 0 {
		d.Duration = v
	}
}

func setString(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

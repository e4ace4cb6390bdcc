package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validBackends   = map[string]bool{"file": true, "postgres": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks a Config for semantic errors. It returns every problem
// found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	s := cfg.Storage
	if !validBackends[s.Backend] {
		add("storage.backend", "unknown backend %q (want file or postgres)", s.Backend)
	}
	if s.Backend == "file" && s.Path == "" {
		add("storage.path", "is required for the file backend")
	}
	if s.Backend == "postgres" && s.PostgresDSN == "" {
		add("storage.postgres_dsn", "is required for the postgres backend")
	}
	if s.DBPath == "" {
		add("storage.db_path", "is required")
	}

	w := cfg.Watchdog
	if w.CheckInterval.Duration <= 0 {
		add("watchdog.check_interval", "must be positive")
	}
	if w.StaleThreshold.Duration <= 0 {
		add("watchdog.stale_threshold", "must be positive")
	}
	if hb := cfg.Launcher.HeartbeatInterval.Duration; w.IsEnabled() && hb > 0 && w.StaleThreshold.Duration <= hb {
		add("watchdog.stale_threshold", "must be longer than launcher.heartbeat_interval (%s)", hb)
	}

	r := cfg.Retry
	if r.MaxAttempts < 1 {
		add("retry.max_attempts", "must be at least 1")
	}
	if r.BackoffFactor < 1 {
		add("retry.backoff_factor", "must be at least 1")
	}
	if r.BaseDelay.Duration < 0 || r.MaxDelay.Duration < 0 || r.Timeout.Duration < 0 {
		add("retry", "delays must not be negative")
	}
	if r.MaxDelay.Duration < r.BaseDelay.Duration {
		add("retry.max_delay", "must not be shorter than retry.base_delay")
	}

	if cfg.Poll.Interval.Duration <= 0 {
		add("poll.interval", "must be positive")
	}
	if cfg.Poll.PRTimeout.Duration <= 0 {
		add("poll.pr_timeout", "must be positive")
	}

	src := cfg.Source
	if src.Repo != "" && strings.Count(src.Repo, "/") != 1 {
		add("source.repo", "must be in owner/name form, got %q", src.Repo)
	}
	if src.ReadyLabel == "" {
		add("source.ready_label", "is required")
	}
	if src.Limit < 1 {
		add("source.limit", "must be at least 1")
	}

	if strings.TrimSpace(cfg.Launcher.AgentCommand) == "" {
		add("launcher.agent_command", "is required")
	}
	if cfg.Review.Enabled {
		if strings.TrimSpace(cfg.Review.ReviewCommand) == "" {
			add("review.review_command", "is required when review is enabled")
		}
		if strings.TrimSpace(cfg.Review.FixCommand) == "" {
			add("review.fix_command", "is required when review is enabled")
		}
	}

	if addr := cfg.Web.Addr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add("web.addr", "must be host:port, got %q", addr)
		}
	}

	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		add("log.level", "unknown level %q", cfg.Log.Level)
	}
	if !validLogFormats[cfg.Log.Format] {
		add("log.format", "unknown format %q (want text or json)", cfg.Log.Format)
	}

	return errs
}

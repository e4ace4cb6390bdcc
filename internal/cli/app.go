package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autodev/internal/config"
	"github.com/lucasnoah/autodev/internal/db"
	"github.com/lucasnoah/autodev/internal/fallback"
	"github.com/lucasnoah/autodev/internal/github"
	"github.com/lucasnoah/autodev/internal/log"
	loglogrus "github.com/lucasnoah/autodev/internal/log/logrus"
	"github.com/lucasnoah/autodev/internal/orchestrator"
	"github.com/lucasnoah/autodev/internal/pipeline"
	"github.com/lucasnoah/autodev/internal/prompt"
	"github.com/lucasnoah/autodev/internal/retry"
	"github.com/lucasnoah/autodev/internal/session"
	"github.com/lucasnoah/autodev/internal/watchdog"
	"github.com/lucasnoah/autodev/internal/web"
	"github.com/lucasnoah/autodev/internal/worktree"
)

// app is the composition root. Stores are opened on first use so light
// commands such as heartbeat never touch SQLite.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  log.Logger

	repo   *pipeline.Repository
	db     *db.DB
	queue  *fallback.Queue
	closer []func() error
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger, err := loglogrus.New(loglogrus.Options{
		Out:    cmd.ErrOrStderr(),
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	return &app{
		cfg:     cfg,
		cfgPath: path,
		logger:  logger.WithValues(log.Kv{"version": version}),
	}, nil
}

func loadConfig() (*config.Config, string, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		return cfg, configFile, err
	}
	return config.LoadDefault()
}

// Close releases everything the app opened, newest first.
func (a *app) Close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			a.logger.Warningf("close: %s", err)
		}
	}
	a.closer = nil
}

func (a *app) repository(ctx context.Context) (*pipeline.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}

	var backend pipeline.Backend
	switch a.cfg.Storage.Backend {
	case "postgres":
		b, err := pipeline.NewPostgresBackend(ctx, a.cfg.Storage.PostgresDSN, a.cfg.Storage.PostgresName)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		b, err := pipeline.NewFileBackend(a.cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	repo, err := pipeline.NewRepository(pipeline.RepositoryConfig{Backend: backend, Logger: a.logger})
	if err != nil {
		backend.Close()
		return nil, err
	}
	a.repo = repo
	a.closer = append(a.closer, repo.Close)
	return repo, nil
}

func (a *app) database(ctx context.Context) (*db.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	d, err := db.OpenMigrated(ctx, a.cfg.Storage.DBPath, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = d
	a.closer = append(a.closer, d.Close)
	return d, nil
}

func (a *app) fallbackQueue(ctx context.Context) (*fallback.Queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	d, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	q, err := fallback.New(fallback.Config{Store: d, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	a.queue = q
	return q, nil
}

func (a *app) retryExecutor() (*retry.Executor, error) {
	r := a.cfg.Retry
	return retry.New(retry.Config{
		MaxAttempts:   r.MaxAttempts,
		BaseDelay:     r.BaseDelay.Duration,
		MaxDelay:      r.MaxDelay.Duration,
		BackoffFactor: r.BackoffFactor,
		Timeout:       r.Timeout.Duration,
		Logger:        a.logger,
	})
}

func (a *app) githubClient() *github.Client {
	runner := &github.ExecRunner{}
	return github.NewClientWithGit(runner, runner).WithRepo(a.cfg.Source.Repo)
}

func (a *app) launcher() (*session.Launcher, error) {
	l := a.cfg.Launcher
	repoDir, err := filepath.Abs(l.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("resolve repo dir: %w", err)
	}
	wtDir, err := filepath.Abs(l.WorktreeDir)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree dir: %w", err)
	}
	env := session.WorkerEnv()
	if a.cfgPath != "" {
		abs, err := filepath.Abs(a.cfgPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		env[configEnv] = abs
	}
	return session.NewLauncher(session.LauncherConfig{
		Tmux:              session.NewExecTmux(),
		Env:               env,
		Worktrees:         worktree.NewManager(&worktree.ExecGit{}, repoDir, wtDir),
		AgentCommand:      l.AgentCommand,
		SessionPrefix:     l.SessionPrefix,
		HeartbeatInterval: l.HeartbeatInterval.Duration,
		Logger:            a.logger,
	})
}

func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	if errs := config.Validate(a.cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(validationErrors(errs)...))
	}
	repo, err := a.repository(ctx)
	if err != nil {
		return nil, err
	}
	d, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := a.fallbackQueue(ctx)
	if err != nil {
		return nil, err
	}
	exec, err := a.retryExecutor()
	if err != nil {
		return nil, err
	}
	launcher, err := a.launcher()
	if err != nil {
		return nil, err
	}

	prompts, err := a.prompts()
	if err != nil {
		return nil, err
	}
	gh := a.githubClient()
	src := a.cfg.Source
	cfg := orchestrator.Config{
		Store: repo,
		Source: github.NewTaskSource(gh, github.SourceConfig{
			ReadyLabel:      src.ReadyLabel,
			InProgressLabel: src.InProgressLabel,
			DoneLabel:       src.DoneLabel,
			FailedLabel:     src.FailedLabel,
			Limit:           src.Limit,
		}),
		Launcher:          launcher,
		VCS:               github.NewVCS(gh, "main"),
		Events:            d,
		Fallback:          queue,
		Retry:             exec,
		Prompts:           prompts,
		PollInterval:      a.cfg.Poll.Interval.Duration,
		PRTimeout:         a.cfg.Poll.PRTimeout.Duration,
		HeartbeatInterval: a.cfg.Launcher.HeartbeatInterval.Duration,
		Logger:            a.logger,
	}
	if a.cfg.Analyzer.IsEnabled() {
		cfg.Analyzer = github.NewClaudeAnalyzer(github.ClaudeCLI(a.cfg.Analyzer.Model)).WithPrompts(prompts)
	}
	if a.cfg.Review.Enabled {
		r, err := github.NewCommandReviewer(a.cfg.Review.ReviewCommand, a.cfg.Review.FixCommand, github.ExecCommand)
		if err != nil {
			return nil, fmt.Errorf("configure reviewer: %w", err)
		}
		cfg.Reviewer = r.WithPrompts(prompts)
	}
	return orchestrator.New(cfg)
}

// prompts resolves templates from the repository's .autodev/templates
// directory before falling back to the built-in set.
func (a *app) prompts() (prompt.Set, error) {
	dir, err := a.templateDir()
	if err != nil {
		return prompt.Set{}, err
	}
	return prompt.Set{Dir: dir}, nil
}

func (a *app) templateDir() (string, error) {
	repoDir, err := filepath.Abs(a.cfg.Launcher.RepoDir)
	if err != nil {
		return "", fmt.Errorf("resolve repo dir: %w", err)
	}
	return filepath.Join(repoDir, ".autodev", "templates"), nil
}

func (a *app) watchdog(ctx context.Context, onTerminated func(context.Context, *pipeline.Pipeline)) (*watchdog.Service, error) {
	repo, err := a.repository(ctx)
	if err != nil {
		return nil, err
	}
	w := a.cfg.Watchdog
	return watchdog.New(watchdog.Config{
		Store:          repo,
		Enabled:        w.IsEnabled(),
		CheckInterval:  w.CheckInterval.Duration,
		StaleThreshold: w.StaleThreshold.Duration,
		OnTerminated:   onTerminated,
		Logger:         a.logger,
	})
}

// statusServer builds the read-only web server listening on addr.
func (a *app) statusServer(ctx context.Context, addr string) (*web.Server, error) {
	repo, err := a.repository(ctx)
	if err != nil {
		return nil, err
	}
	d, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := a.fallbackQueue(ctx)
	if err != nil {
		return nil, err
	}
	return web.New(web.Config{
		Addr:      addr,
		Pipelines: repo,
		Events:    d,
		Fallback:  queue,
		Panes:     session.NewExecTmux(),
		Logger:    a.logger,
	})
}

// stateDir returns the directory holding daemon state, creating it.
func stateDir() (string, error) {
	dir, err := config.StateDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

func validationErrors(errs []config.ValidationError) []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

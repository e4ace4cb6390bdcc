package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/autodev/internal/analytics"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

// testConfig writes a config keeping all state under a temp dir.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "autodev.yaml")
	body := fmt.Sprintf(`storage:
  backend: file
  path: %s
  db_path: %s
launcher:
  repo_dir: %s
log:
  level: error
`, filepath.Join(dir, "pipelines.json"), filepath.Join(dir, "autodev.db"), dir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func showPipeline(t *testing.T, cfg, taskID string) *pipeline.Pipeline {
	t.Helper()
	out, err := executeCommand("--config", cfg, "pipeline", "show", taskID, "--format", "json")
	require.NoError(t, err, out)
	var p pipeline.Pipeline
	require.NoError(t, json.Unmarshal([]byte(out), &p), out)
	return &p
}

func TestPipelineInitFromIssueRejectsBadNumber(t *testing.T) {
	cfg := testConfig(t)

	_, err := executeCommand("--config", cfg, "pipeline", "init", "abc", "--from-issue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "look up issue")

	out, err := executeCommand("--config", cfg, "pipeline", "list")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "abc")
}

func TestPipelineLifecycle(t *testing.T) {
	cfg := testConfig(t)

	out, err := executeCommand("--config", cfg, "pipeline", "init", "42", "--title", "Add auth", "--description", "Add login")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pipeline 42 created at DETECTED")

	_, err = executeCommand("--config", cfg, "pipeline", "init", "42")
	assert.ErrorIs(t, err, pipeline.ErrDuplicateActive)

	out, err = executeCommand("--config", cfg, "pipeline", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Add auth")

	out, err = executeCommand("--config", cfg, "stage", "complete", "42", "implementing", "--data", "pr=7")
	require.NoError(t, err, out)
	assert.Contains(t, out, "42 IMPLEMENTING: COMPLETED")

	p := showPipeline(t, cfg, "42")
	assert.Equal(t, pipeline.StageImplementing, p.CurrentStage)
	assert.Equal(t, "Add login", p.Metadata[pipeline.MetaDescription])
	assert.Equal(t, "manual", p.Metadata[pipeline.MetaProvider])
	rec := p.StageRecord(pipeline.StageImplementing)
	require.NotNil(t, rec)
	assert.Equal(t, "7", rec.Data["pr"])

	out, err = executeCommand("--config", cfg, "pipeline", "show", "42")
	require.NoError(t, err, out)
	assert.Contains(t, out, "IN_PROGRESS")
	assert.Contains(t, out, "Add login")

	out, err = executeCommand("--config", cfg, "pipeline", "fail", "42", "--reason", "gave up")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pipeline 42 failed")

	p = showPipeline(t, cfg, "42")
	assert.Equal(t, pipeline.StatusFailed, p.Status)
	require.NotEmpty(t, p.Errors)
	assert.Equal(t, "gave up", p.Errors[len(p.Errors)-1].Error)

	out, err = executeCommand("--config", cfg, "pipeline", "history", "42", "--format", "json")
	require.NoError(t, err, out)
	assert.Contains(t, out, "created")
	assert.Contains(t, out, "stage_completed")
	assert.Contains(t, out, "failed")
}

func TestPipelineShowUnknown(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "show", "404")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestPipelineListRejectsUnknownStatus(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "list", "--status", "sleeping")
	assert.ErrorContains(t, err, "unknown status")
}

func TestStageFailKeepsPipelineActive(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "init", "5")
	require.NoError(t, err)

	out, err := executeCommand("--config", cfg, "stage", "fail", "5", "implementing", "--reason", "agent exited with status 1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "5 IMPLEMENTING: FAILED")

	p := showPipeline(t, cfg, "5")
	assert.Equal(t, pipeline.StatusInProgress, p.Status)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "agent exited with status 1", p.Errors[0].Error)
}

func TestStageRejectsUnknownStage(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "stage", "complete", "5", "dancing")
	assert.ErrorContains(t, err, "unknown stage")
}

func TestRerunStage(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "init", "8")
	require.NoError(t, err)
	_, err = executeCommand("--config", cfg, "stage", "fail", "8", "merging")
	require.NoError(t, err)

	out, err := executeCommand("--config", cfg, "pipeline", "rerun-stage", "8", "merging")
	require.NoError(t, err, out)
	assert.Contains(t, out, "back at MERGING")

	rec := showPipeline(t, cfg, "8").StageRecord(pipeline.StageMerging)
	require.NotNil(t, rec)
	assert.Equal(t, pipeline.StageStatusInProgress, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestHeartbeat(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "init", "42")
	require.NoError(t, err)
	require.Nil(t, showPipeline(t, cfg, "42").LastHeartbeat)

	out, err := executeCommand("--config", cfg, "heartbeat", "42")
	require.NoError(t, err, out)
	assert.NotNil(t, showPipeline(t, cfg, "42").LastHeartbeat)

	// Unknown tasks are ignored.
	_, err = executeCommand("--config", cfg, "heartbeat", "404", "--quiet")
	assert.NoError(t, err)
}

func TestHeartbeatQuietSwallowsErrors(t *testing.T) {
	_, err := executeCommand("--config", filepath.Join(t.TempDir(), "missing.yaml"), "heartbeat", "42", "--quiet")
	assert.NoError(t, err)

	_, err = executeCommand("--config", filepath.Join(t.TempDir(), "missing.yaml"), "heartbeat", "42")
	assert.Error(t, err)
}

func TestHeartbeatStopsWhenWatchedProcessIsGone(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "init", "42")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		// PID 2^22+1 is above the Linux pid_max ceiling.
		_, err := executeCommand("--config", cfg, "heartbeat", "42", "--watch-pid", "4194305", "--every", "10ms")
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat did not stop")
	}
}

func TestFallbackCommands(t *testing.T) {
	cfg := testConfig(t)

	out, err := executeCommand("--config", cfg, "fallback", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Fallback queue is empty.")

	out, err = executeCommand("--config", cfg, "fallback", "add", "7", "--title", "Fix login", "--reason", "merge conflict")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Task 7 queued.")

	out, err = executeCommand("--config", cfg, "fallback", "add", "7")
	require.NoError(t, err, out)
	assert.Contains(t, out, "already queued")

	out, err = executeCommand("--config", cfg, "fallback", "list", "--format", "json")
	require.NoError(t, err, out)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entries), out)
	require.Len(t, entries, 1)
	assert.Equal(t, "7", entries[0]["id"])
	assert.Equal(t, "merge conflict", entries[0]["reason"])

	out, err = executeCommand("--config", cfg, "fallback", "show", "7")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Fix login")

	out, err = executeCommand("--config", cfg, "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Fallback queue: 1 task")

	out, err = executeCommand("--config", cfg, "fallback", "remove", "7")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Task 7 removed.")

	_, err = executeCommand("--config", cfg, "fallback", "remove", "7")
	assert.Error(t, err)
}

func TestPipelineCleanup(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "init", "1")
	require.NoError(t, err)
	_, err = executeCommand("--config", cfg, "pipeline", "init", "2")
	require.NoError(t, err)
	_, err = executeCommand("--config", cfg, "pipeline", "fail", "1")
	require.NoError(t, err)

	out, err := executeCommand("--config", cfg, "pipeline", "cleanup", "--older-than", "0s")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Removed 1 pipeline and 2 events.")

	out, err = executeCommand("--config", cfg, "pipeline", "list", "--format", "json")
	require.NoError(t, err, out)
	assert.NotContains(t, out, `"taskId": "1"`)
	assert.Contains(t, out, `"taskId": "2"`)
}

func TestWatchdogScan(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "init", "42")
	require.NoError(t, err)
	_, err = executeCommand("--config", cfg, "heartbeat", "42")
	require.NoError(t, err)

	out, err := executeCommand("--config", cfg, "watchdog", "scan")
	require.NoError(t, err, out)
	assert.Contains(t, out, "No stale pipelines.")
}

func TestStatusShowsActivePipelines(t *testing.T) {
	cfg := testConfig(t)
	out, err := executeCommand("--config", cfg, "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "No pipelines found.")

	_, err = executeCommand("--config", cfg, "pipeline", "init", "42", "--title", "Add auth")
	require.NoError(t, err)

	out, err = executeCommand("--config", cfg, "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Add auth")
	assert.Contains(t, out, "DETECTED")
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autodev.yaml")

	out, err := executeCommand("config", "init", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote "+path)

	_, err = executeCommand("config", "init", path)
	assert.ErrorContains(t, err, "already exists")

	out, err = executeCommand("--config", path, "config", "validate")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Configuration is valid")

	out, err = executeCommand("--config", path, "config", "show")
	require.NoError(t, err, out)
	assert.Contains(t, out, "stale_threshold: 10m0s")
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autodev.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: redis\n"), 0o644))

	out, err := executeCommand("--config", path, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, out, "storage.backend")
}

func TestDBCommands(t *testing.T) {
	cfg := testConfig(t)

	out, err := executeCommand("--config", cfg, "db", "migrate")
	require.NoError(t, err, out)
	assert.Contains(t, out, "schema version")

	_, err = executeCommand("--config", cfg, "db", "reset")
	assert.ErrorContains(t, err, "--yes")

	out, err = executeCommand("--config", cfg, "db", "reset", "--yes")
	require.NoError(t, err, out)
	assert.Contains(t, out, "reset")
}

func TestConfigTemplates(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(filepath.Dir(cfg), ".autodev", "templates")

	out, err := executeCommand("--config", cfg, "config", "templates")
	require.NoError(t, err, out)
	assert.Contains(t, out, filepath.Join(dir, "worker.md"))
	assert.FileExists(t, filepath.Join(dir, "review.md"))

	out, err = executeCommand("--config", cfg, "config", "templates")
	require.NoError(t, err, out)
	assert.Contains(t, out, "All templates already present")
}

func TestStats(t *testing.T) {
	cfg := testConfig(t)
	_, err := executeCommand("--config", cfg, "pipeline", "init", "5")
	require.NoError(t, err)
	_, err = executeCommand("--config", cfg, "stage", "fail", "5", "implementing", "--reason", "agent exited")
	require.NoError(t, err)

	out, err := executeCommand("--config", cfg, "stats", "--format", "json")
	require.NoError(t, err, out)
	var report analytics.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, 1, report.ByStatus[pipeline.StatusInProgress])
	require.Len(t, report.Failures, 1)
	assert.Equal(t, pipeline.StageImplementing, report.Failures[0].Stage)
	assert.Contains(t, report.Events, analytics.EventCount{Event: "created", Count: 1})
	assert.Contains(t, report.Events, analytics.EventCount{Event: "stage_failed", Count: 1})

	out, err = executeCommand("--config", cfg, "stats")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 IN_PROGRESS")
	assert.Contains(t, out, "Failures:")
}

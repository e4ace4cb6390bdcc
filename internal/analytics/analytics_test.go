package analytics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/lucasnoah/autodev/internal/db"
	"github.com/lucasnoah/autodev/internal/pipeline"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.OpenMigrated(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func exec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

var base = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func at(minutes int) *time.Time {
	t := base.Add(time.Duration(minutes) * time.Minute)
	return &t
}

func completedStage(stage pipeline.Stage, end, minutes int) pipeline.StageRecord {
	return pipeline.StageRecord{
		Stage:       stage,
		Name:        string(stage),
		Status:      pipeline.StageStatusCompleted,
		StartedAt:   at(end - minutes),
		CompletedAt: at(end),
		DurationMs:  int64(minutes) * 60_000,
	}
}

func testPipelines() []*pipeline.Pipeline {
	return []*pipeline.Pipeline{
		{
			TaskID: "1", Status: pipeline.StatusCompleted, CreatedAt: base, CompletedAt: at(120),
			Stages: []pipeline.StageRecord{
				completedStage(pipeline.StageAnalyzing, 10, 10),
				completedStage(pipeline.StageImplementing, 100, 90),
			},
		},
		{
			TaskID: "2", Status: pipeline.StatusFailed, CreatedAt: base.Add(24 * time.Hour), FailedAt: at(24*60 + 60),
			Stages: []pipeline.StageRecord{
				completedStage(pipeline.StageAnalyzing, 24*60+20, 20),
				{Stage: pipeline.StageImplementing, Status: pipeline.StageStatusFailed, StartedAt: at(24*60 + 20)},
			},
			Errors: []pipeline.ErrorEntry{
				{Stage: pipeline.StageImplementing, Error: pipeline.StaleWorkerMessage + " (no heartbeat for 11m)", Timestamp: *at(24*60 + 60)},
			},
		},
		{
			TaskID: "3", Status: pipeline.StatusInProgress, CreatedAt: base.Add(8 * 24 * time.Hour),
			Stages: []pipeline.StageRecord{
				completedStage(pipeline.StageAnalyzing, 8*24*60+30, 30),
				{Stage: pipeline.StageImplementing, Status: pipeline.StageStatusInProgress},
			},
			Errors: []pipeline.ErrorEntry{
				{Stage: pipeline.StageImplementing, Error: "worker exited", Timestamp: *at(8*24*60 + 40)},
				{Stage: pipeline.StageMerging, Error: "conflict", Timestamp: *at(8*24*60 + 50)},
			},
		},
	}
}

// --- StageDurations ---

func TestStageDurations(t *testing.T) {
	results := StageDurations(testPipelines(), time.Time{})

	if len(results) != 2 {
		t.Fatalf("expected 2 stages, got %d: %+v", len(results), results)
	}
	analyzing := results[0]
	if analyzing.Stage != pipeline.StageAnalyzing {
		t.Errorf("first stage = %q, want ANALYZING (workflow order)", analyzing.Stage)
	}
	if analyzing.Count != 3 {
		t.Errorf("analyzing count = %d, want 3", analyzing.Count)
	}
	if analyzing.Avg != 20 {
		t.Errorf("analyzing avg = %v, want 20", analyzing.Avg)
	}
	if analyzing.P50 != 20 {
		t.Errorf("analyzing p50 = %v, want 20", analyzing.P50)
	}
	if analyzing.P95 != 29 {
		t.Errorf("analyzing p95 = %v, want 29", analyzing.P95)
	}
	if results[1].Stage != pipeline.StageImplementing || results[1].Avg != 90 {
		t.Errorf("implementing = %+v, want one 90 minute record", results[1])
	}
}

func TestStageDurations_Since(t *testing.T) {
	results := StageDurations(testPipelines(), base.Add(7*24*time.Hour))

	if len(results) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(results))
	}
	if results[0].Count != 1 || results[0].Avg != 30 {
		t.Errorf("got %+v, want a single 30 minute analysis", results[0])
	}
}

// --- StageFailures ---

func TestStageFailures(t *testing.T) {
	results := StageFailures(testPipelines(), time.Time{})

	if len(results) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(results))
	}
	impl := results[0]
	if impl.Stage != pipeline.StageImplementing {
		t.Errorf("first stage = %q, want IMPLEMENTING (most failures)", impl.Stage)
	}
	if impl.Failures != 2 || impl.Stale != 1 {
		t.Errorf("implementing = %+v, want 2 failures with 1 stale", impl)
	}
	if impl.Pct != 66.7 {
		t.Errorf("implementing pct = %v, want 66.7", impl.Pct)
	}
	if results[1].Stage != pipeline.StageMerging || results[1].Pct != 33.3 {
		t.Errorf("merging = %+v", results[1])
	}
}

func TestStageFailures_Empty(t *testing.T) {
	if got := StageFailures(nil, time.Time{}); len(got) != 0 {
		t.Errorf("expected no failures, got %+v", got)
	}
}

// --- Throughput ---

func TestThroughput(t *testing.T) {
	results := Throughput(testPipelines(), time.Time{})

	if len(results) != 2 {
		t.Fatalf("expected 2 weeks, got %d: %+v", len(results), results)
	}
	if results[0].Period != "2026-W24" {
		t.Errorf("newest period = %q, want 2026-W24", results[0].Period)
	}
	if results[0].Created != 1 || results[0].Completed != 0 {
		t.Errorf("newest week = %+v", results[0])
	}

	first := results[1]
	if first.Period != "2026-W23" {
		t.Errorf("older period = %q, want 2026-W23", first.Period)
	}
	if first.Created != 2 || first.Completed != 1 || first.Failed != 1 {
		t.Errorf("older week = %+v, want 2 created, 1 completed, 1 failed", first)
	}
	if first.AvgDuration != 2 {
		t.Errorf("avg duration = %v, want 2 hours", first.AvgDuration)
	}
}

// --- QueryEventCounts ---

func TestQueryEventCounts(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	exec(t, c, `INSERT INTO pipeline_events (task_id, event, timestamp) VALUES ('1', 'created', '2026-06-01T10:00:00Z')`)
	exec(t, c, `INSERT INTO pipeline_events (task_id, event, stage, timestamp) VALUES ('1', 'stage_completed', 'ANALYZING', '2026-06-01T10:10:00Z')`)
	exec(t, c, `INSERT INTO pipeline_events (task_id, event, stage, timestamp) VALUES ('1', 'stage_completed', 'IMPLEMENTING', '2026-06-01T11:40:00Z')`)
	exec(t, c, `INSERT INTO pipeline_events (task_id, event, timestamp) VALUES ('0', 'created', '2026-01-01T00:00:00Z')`)

	results, err := QueryEventCounts(context.Background(), d, base)
	if err != nil {
		t.Fatalf("QueryEventCounts: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 event kinds, got %+v", results)
	}
	if results[0] != (EventCount{Event: "stage_completed", Count: 2}) {
		t.Errorf("first = %+v", results[0])
	}
	if results[1] != (EventCount{Event: "created", Count: 1}) {
		t.Errorf("second = %+v, old events must be excluded", results[1])
	}
}

// --- Build ---

func TestBuild(t *testing.T) {
	d := testDB(t)
	exec(t, d.Conn(), `INSERT INTO pipeline_events (task_id, event, timestamp) VALUES ('3', 'created', '2026-06-09T10:00:00Z')`)

	since := base.Add(7 * 24 * time.Hour)
	report, err := Build(context.Background(), testPipelines(), d, since)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.ByStatus[pipeline.StatusInProgress] != 1 {
		t.Errorf("in progress = %d, want 1", report.ByStatus[pipeline.StatusInProgress])
	}
	if report.ByStatus[pipeline.StatusCompleted] != 0 {
		t.Errorf("completed = %d, want 0 (finished before since)", report.ByStatus[pipeline.StatusCompleted])
	}
	if len(report.Throughput) != 1 || len(report.Failures) != 2 || len(report.Events) != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

// --- helpers ---

func TestPercentile(t *testing.T) {
	values := []float64{10, 20, 30, 40}
	if got := percentile(values, 50); got != 25 {
		t.Errorf("p50 = %v, want 25", got)
	}
	if got := percentile(values, 100); got != 40 {
		t.Errorf("p100 = %v, want 40", got)
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("empty p50 = %v, want 0", got)
	}
}

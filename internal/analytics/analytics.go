// Package analytics summarizes how pipelines have been doing: how long each
// stage takes, where failures happen and how many tasks get through per week.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/autodev/internal/pipeline"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// eventTimeLayout matches the pipeline_events timestamp column.
const eventTimeLayout = "2006-01-02T15:04:05Z"

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage pipeline.Stage `json:"stage"`
	Count int            `json:"count"`
	Avg   float64        `json:"avg_minutes"`
	P50   float64        `json:"p50_minutes"`
	P95   float64        `json:"p95_minutes"`
}

// StageDurations returns average and percentile durations per stage over the
// stage records completed at or after since, in workflow order.
func StageDurations(pipes []*pipeline.Pipeline, since time.Time) []StageDuration {
	byStage := make(map[pipeline.Stage][]float64)
	for _, p := range pipes {
		for _, rec := range p.Stages {
			if rec.Status != pipeline.StageStatusCompleted || rec.DurationMs <= 0 {
				continue
			}
			if rec.CompletedAt == nil || rec.CompletedAt.Before(since) {
				continue
			}
			byStage[rec.Stage] = append(byStage[rec.Stage], float64(rec.DurationMs)/float64(time.Minute/time.Millisecond))
		}
	}

	var results []StageDuration
	for stage, durations := range byStage {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage.Index() < results[j].Stage.Index()
	})
	return results
}

// StageFailure counts recorded errors for one stage.
type StageFailure struct {
	Stage    pipeline.Stage `json:"stage"`
	Failures int            `json:"failures"`
	// Stale counts the errors recorded by the watchdog.
	Stale int     `json:"stale"`
	Pct   float64 `json:"pct"`
}

// StageFailures returns the errors recorded since, grouped by the stage they
// happened in, most failures first. Pct is the share of all errors.
func StageFailures(pipes []*pipeline.Pipeline, since time.Time) []StageFailure {
	byStage := make(map[pipeline.Stage]*StageFailure)
	total := 0
	for _, p := range pipes {
		for _, e := range p.Errors {
			if e.Timestamp.Before(since) {
				continue
			}
			f := byStage[e.Stage]
			if f == nil {
				f = &StageFailure{Stage: e.Stage}
				byStage[e.Stage] = f
			}
			f.Failures++
			if strings.HasPrefix(e.Error, pipeline.StaleWorkerMessage) {
				f.Stale++
			}
			total++
		}
	}

	results := make([]StageFailure, 0, len(byStage))
	for _, f := range byStage {
		f.Pct = pct(f.Failures, total)
		results = append(results, *f)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Failures != results[j].Failures {
			return results[i].Failures > results[j].Failures
		}
		return results[i].Stage.Index() < results[j].Stage.Index()
	})
	return results
}

// PipelineThroughput holds pipeline throughput for a time period.
type PipelineThroughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration_hours"`
}

// Throughput groups the pipelines created since by ISO week, newest first,
// and reports how many of them completed or failed. AvgDuration covers the
// completed ones.
func Throughput(pipes []*pipeline.Pipeline, since time.Time) []PipelineThroughput {
	byPeriod := make(map[string]*PipelineThroughput)
	hours := make(map[string][]float64)
	for _, p := range pipes {
		if p.CreatedAt.Before(since) {
			continue
		}
		period := isoWeek(p.CreatedAt)
		pt := byPeriod[period]
		if pt == nil {
			pt = &PipelineThroughput{Period: period}
			byPeriod[period] = pt
		}
		pt.Created++
		switch p.Status {
		case pipeline.StatusCompleted:
			pt.Completed++
			if p.CompletedAt != nil {
				hours[period] = append(hours[period], p.CompletedAt.Sub(p.CreatedAt).Hours())
			}
		case pipeline.StatusFailed:
			pt.Failed++
		}
	}

	results := make([]PipelineThroughput, 0, len(byPeriod))
	for period, pt := range byPeriod {
		pt.AvgDuration = avg(hours[period])
		results = append(results, *pt)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	return results
}

func isoWeek(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// EventCount is how often an event was logged.
type EventCount struct {
	Event string `json:"event"`
	Count int    `json:"count"`
}

// QueryEventCounts returns how many times each event was logged since,
// most frequent first.
func QueryEventCounts(ctx context.Context, database DB, since time.Time) ([]EventCount, error) {
	rows, err := database.Conn().QueryContext(ctx,
		`SELECT event, COUNT(*) AS n FROM pipeline_events
		 WHERE timestamp >= ?
		 GROUP BY event ORDER BY n DESC, event`,
		since.UTC().Format(eventTimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query event counts: %w", err)
	}
	defer rows.Close()

	var results []EventCount
	for rows.Next() {
		var ec EventCount
		if err := rows.Scan(&ec.Event, &ec.Count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		results = append(results, ec)
	}
	return results, rows.Err()
}

// Report is everything the stats command shows.
type Report struct {
	Since      time.Time               `json:"since"`
	ByStatus   map[pipeline.Status]int `json:"by_status"`
	Stages     []StageDuration         `json:"stages"`
	Failures   []StageFailure          `json:"failures"`
	Throughput []PipelineThroughput    `json:"throughput"`
	Events     []EventCount            `json:"events"`
}

// Build assembles a Report over pipelines created or active since.
func Build(ctx context.Context, pipes []*pipeline.Pipeline, database DB, since time.Time) (*Report, error) {
	events, err := QueryEventCounts(ctx, database, since)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[pipeline.Status]int)
	for _, p := range pipes {
		if p.CreatedAt.Before(since) && !p.Active() {
			continue
		}
		byStatus[p.Status]++
	}

	return &Report{
		Since:      since,
		ByStatus:   byStatus,
		Stages:     StageDurations(pipes, since),
		Failures:   StageFailures(pipes, since),
		Throughput: Throughput(pipes, since),
		Events:     events,
	}, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

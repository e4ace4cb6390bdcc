package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrFallbackNotFound is returned when a fallback entry does not exist.
var ErrFallbackNotFound = errors.New("fallback entry not found")

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int
	TaskID    string
	Event     string
	Stage     string
	Detail    string
	Timestamp string
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, taskID, event, stage, detail string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO pipeline_events (task_id, event, stage, detail) VALUES (?, ?, ?, ?)`,
		taskID, event, nullString(stage), nullString(detail),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all events for a task, most recent first.
func (d *DB) GetPipelineHistory(ctx context.Context, taskID string) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, task_id, event, stage, detail, timestamp
		 FROM pipeline_events WHERE task_id = ? ORDER BY id DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Event, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// PrunePipelineEvents deletes the events of the given tasks and returns the
// number of rows removed.
func (d *DB) PrunePipelineEvents(ctx context.Context, taskIDs []string) (int, error) {
	var total int
	for _, id := range taskIDs {
		res, err := d.conn.ExecContext(ctx, `DELETE FROM pipeline_events WHERE task_id = ?`, id)
		if err != nil {
			return total, fmt.Errorf("prune pipeline events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("check rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// FallbackRow represents a row in the fallback_queue table.
type FallbackRow struct {
	ID            string
	TaskID        string
	Title         string
	Description   string
	Repository    string
	Branch        string
	CommitMessage string
	PRTitle       string
	PRBody        string
	Reason        string
	QueuedAt      string
}

const fallbackColumns = `id, task_id, title, description, repository, branch, commit_message, pr_title, pr_body, reason, queued_at`

// InsertFallback adds row unless its task is already queued. It reports
// whether a row was inserted.
func (d *DB) InsertFallback(ctx context.Context, row FallbackRow) (bool, error) {
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO fallback_queue (`+fallbackColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO NOTHING`,
		row.ID, row.TaskID, row.Title, row.Description, row.Repository, row.Branch,
		row.CommitMessage, row.PRTitle, row.PRBody, row.Reason, row.QueuedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert fallback entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ListFallback returns all fallback entries, oldest first.
func (d *DB) ListFallback(ctx context.Context) ([]FallbackRow, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+fallbackColumns+` FROM fallback_queue ORDER BY queued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list fallback queue: %w", err)
	}
	defer rows.Close()

	var out []FallbackRow
	for rows.Next() {
		r, err := scanFallback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetFallback returns the entry for taskID, or ErrFallbackNotFound.
func (d *DB) GetFallback(ctx context.Context, taskID string) (*FallbackRow, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+fallbackColumns+` FROM fallback_queue WHERE task_id = ?`, taskID)
	r, err := scanFallback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrFallbackNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteFallback removes the entry for taskID.
func (d *DB) DeleteFallback(ctx context.Context, taskID string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM fallback_queue WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("remove fallback entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrFallbackNotFound)
	}
	return nil
}

// CountFallback returns the number of queued entries.
func (d *DB) CountFallback(ctx context.Context) (int, error) {
	var n int
	if err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM fallback_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fallback queue: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFallback(s rowScanner) (*FallbackRow, error) {
	var r FallbackRow
	err := s.Scan(&r.ID, &r.TaskID, &r.Title, &r.Description, &r.Repository, &r.Branch,
		&r.CommitMessage, &r.PRTitle, &r.PRBody, &r.Reason, &r.QueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan fallback entry: %w", err)
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

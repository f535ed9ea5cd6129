// Package task persists task rows and owns every status transition.
// pending → running happens only through atomic dequeue or claim; all other
// transitions are guarded updates on a row already owned by one worker.
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

var (
	// ErrInvalidTransition reports a status update refused by its guard,
	// e.g. completing a task that is already terminal.
	ErrInvalidTransition = errors.New("task: invalid status transition")
)

// Repository provides SQLite persistence for tasks.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an already-migrated catalog handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const taskColumns = `id, video_id, task_type, language, status, priority, depends_on, error, created_at_ms, started_at_ms, completed_at_ms`

func scanTask(row interface{ Scan(...any) error }) (*catalog.Task, error) {
	var t catalog.Task
	var language sql.NullString
	var dependsOn string
	if err := row.Scan(
		&t.TaskID, &t.VideoID, &t.Type, &language, &t.Status, &t.Priority,
		&dependsOn, &t.Error, &t.CreatedAtMS, &t.StartedAtMS, &t.CompletedAtMS,
	); err != nil {
		return nil, err
	}
	if language.Valid {
		t.Language = language.String
	}
	if dependsOn != "" {
		for _, dep := range strings.Split(dependsOn, ",") {
			t.DependsOn = append(t.DependsOn, taskgraph.TaskKind(dep))
		}
	}
	return &t, nil
}

func joinDeps(deps []taskgraph.TaskKind) string {
	if len(deps) == 0 {
		return ""
	}
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = string(d)
	}
	return strings.Join(parts, ",")
}

func nullableLanguage(lang string) any {
	if lang == "" {
		return nil
	}
	return lang
}

// Insert creates a pending task. The unique (video, type, language) key is
// enforced by the storage layer; a second insert surfaces catalog.ErrDuplicate.
func (r *Repository) Insert(ctx context.Context, t *catalog.Task) error {
	if t.CreatedAtMS == 0 {
		t.CreatedAtMS = catalog.NowMS()
	}
	if t.Status == "" {
		t.Status = catalog.TaskPending
	}

	_, err := r.db.ExecContext(ctx, `
	INSERT INTO tasks (`+taskColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TaskID, t.VideoID, t.Type, nullableLanguage(t.Language), t.Status, t.Priority,
		joinDeps(t.DependsOn), t.Error, t.CreatedAtMS, t.StartedAtMS, t.CompletedAtMS)
	if err != nil {
		return catalog.MapConstraintErr(err)
	}
	return nil
}

// Get retrieves one task by id.
func (r *Repository) Get(ctx context.Context, taskID string) (*catalog.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindByVideoAndType returns every task of one kind for a video. Language
// fan-out (one OCR task per language) makes this a list.
func (r *Repository) FindByVideoAndType(ctx context.Context, videoID string, kind taskgraph.TaskKind) ([]*catalog.Task, error) {
	return r.query(ctx, `
	SELECT `+taskColumns+` FROM tasks
	WHERE video_id = ? AND task_type = ?
	ORDER BY COALESCE(language, ''), id
	`, videoID, kind)
}

// FindByVideo returns every task for a video.
func (r *Repository) FindByVideo(ctx context.Context, videoID string) ([]*catalog.Task, error) {
	return r.query(ctx, `
	SELECT `+taskColumns+` FROM tasks
	WHERE video_id = ?
	ORDER BY priority DESC, created_at_ms, id
	`, videoID)
}

// FindByStatus returns every task in a state, oldest first. The reconciler
// walks pending and running through this.
func (r *Repository) FindByStatus(ctx context.Context, status catalog.TaskStatus) ([]*catalog.Task, error) {
	return r.query(ctx, `
	SELECT `+taskColumns+` FROM tasks
	WHERE status = ?
	ORDER BY created_at_ms, id
	`, status)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]*catalog.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*catalog.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AtomicDequeuePending flips the best pending task of a kind to running and
// returns it, or nil when none is pending. Highest priority wins, oldest
// created_at breaks ties. The single guarded UPDATE serializes on the
// database write lock, so concurrent workers receive disjoint tasks.
func (r *Repository) AtomicDequeuePending(ctx context.Context, kind taskgraph.TaskKind) (*catalog.Task, error) {
	row := r.db.QueryRowContext(ctx, `
	UPDATE tasks
	SET status = ?, started_at_ms = ?
	WHERE id = (
		SELECT id FROM tasks
		WHERE task_type = ? AND status = ?
		ORDER BY priority DESC, created_at_ms ASC, id ASC
		LIMIT 1
	) AND status = ?
	RETURNING `+taskColumns+`
	`, catalog.TaskRunning, catalog.NowMS(), kind, catalog.TaskPending, catalog.TaskPending)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Claim flips one specific pending task to running. It serves job handlers
// that already know their task id; the guard makes double claims impossible.
func (r *Repository) Claim(ctx context.Context, taskID string) (*catalog.Task, error) {
	row := r.db.QueryRowContext(ctx, `
	UPDATE tasks
	SET status = ?, started_at_ms = ?
	WHERE id = ? AND status = ?
	RETURNING `+taskColumns+`
	`, catalog.TaskRunning, catalog.NowMS(), taskID, catalog.TaskPending)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		current, getErr := r.Get(ctx, taskID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == catalog.TaskRunning {
			// Already claimed, e.g. a broker redelivery. The caller decides
			// whether resuming is safe.
			return current, nil
		}
		return nil, fmt.Errorf("task %s is %s: %w", taskID, current.Status, ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MarkCompleted transitions a non-terminal task to completed.
func (r *Repository) MarkCompleted(ctx context.Context, taskID string) error {
	return r.finish(ctx, taskID, catalog.TaskCompleted, "")
}

// MarkFailed transitions a non-terminal task to failed with the error message.
func (r *Repository) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	return r.finish(ctx, taskID, catalog.TaskFailed, errMsg)
}

// MarkCancelled transitions a non-terminal task to cancelled.
func (r *Repository) MarkCancelled(ctx context.Context, taskID string) error {
	return r.finish(ctx, taskID, catalog.TaskCancelled, "")
}

func (r *Repository) finish(ctx context.Context, taskID string, status catalog.TaskStatus, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE tasks
	SET status = ?, error = ?, completed_at_ms = ?
	WHERE id = ? AND status IN (?, ?)
	`, status, errMsg, catalog.NowMS(), taskID, catalog.TaskPending, catalog.TaskRunning)
	if err != nil {
		return err
	}
	return r.requireTransition(ctx, res, taskID)
}

// ResetToPending returns a task to the queueable state, clearing error and
// timing fields. Used by operator retry and by the reconciler when a broker
// job vanished.
func (r *Repository) ResetToPending(ctx context.Context, taskID string) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE tasks
	SET status = ?, error = '', started_at_ms = 0, completed_at_ms = 0
	WHERE id = ? AND status != ?
	`, catalog.TaskPending, taskID, catalog.TaskPending)
	if err != nil {
		return err
	}
	return r.requireTransition(ctx, res, taskID)
}

func (r *Repository) requireTransition(ctx context.Context, res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, taskID); err != nil {
		return err
	}
	return fmt.Errorf("task %s: %w", taskID, ErrInvalidTransition)
}

// VideoProgress summarizes task completion for one video.
type VideoProgress struct {
	Total    int
	Terminal int
	Failed   int
}

// Progress reports how far a video's tasks have come. The orchestrator uses
// it to decide when the video itself is completed.
func (r *Repository) Progress(ctx context.Context, videoID string) (VideoProgress, error) {
	var p VideoProgress
	err := r.db.QueryRowContext(ctx, `
	SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE status IN (?, ?, ?)),
		COUNT(*) FILTER (WHERE status = ?)
	FROM tasks WHERE video_id = ?
	`, catalog.TaskCompleted, catalog.TaskFailed, catalog.TaskCancelled,
		catalog.TaskFailed, videoID).Scan(&p.Total, &p.Terminal, &p.Failed)
	return p, err
}

// CountsByStatus returns the task population per status, for metrics and the
// status API.
func (r *Repository) CountsByStatus(ctx context.Context) (map[catalog.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[catalog.TaskStatus]int)
	for rows.Next() {
		var status catalog.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

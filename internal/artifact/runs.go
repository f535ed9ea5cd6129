package artifact

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vidgrep/vidgrep/internal/catalog"
)

// RunStore persists run rows, one per logical inference pass. Envelopes
// reference their run by id; the run row carries the pass-level outcome.
type RunStore struct {
	db *sql.DB
}

// NewRunStore wraps an already-migrated catalog handle.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, video_id, pipeline_profile, status, error, started_at_ms, finished_at_ms`

func scanRun(row interface{ Scan(...any) error }) (*catalog.Run, error) {
	var r catalog.Run
	if err := row.Scan(
		&r.RunID, &r.VideoID, &r.PipelineProfile, &r.Status,
		&r.Error, &r.StartedAtMS, &r.FinishedAtMS,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a run in status running.
func (s *RunStore) Create(ctx context.Context, r *catalog.Run) error {
	if r.StartedAtMS == 0 {
		r.StartedAtMS = catalog.NowMS()
	}
	if r.Status == "" {
		r.Status = catalog.RunRunning
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO runs (`+runColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.VideoID, r.PipelineProfile, r.Status, r.Error, r.StartedAtMS, r.FinishedAtMS)
	if err != nil {
		return catalog.MapConstraintErr(err)
	}
	return nil
}

// Get retrieves one run by id.
func (s *RunStore) Get(ctx context.Context, runID string) (*catalog.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetByVideo returns every run for a video, newest first.
func (s *RunStore) GetByVideo(ctx context.Context, videoID string) ([]*catalog.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+runColumns+` FROM runs
	WHERE video_id = ?
	ORDER BY started_at_ms DESC, id DESC
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*catalog.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkCompleted finishes a run successfully.
func (s *RunStore) MarkCompleted(ctx context.Context, runID string) error {
	return s.finish(ctx, runID, catalog.RunCompleted, "")
}

// MarkFailed finishes a run with an error.
func (s *RunStore) MarkFailed(ctx context.Context, runID, errMsg string) error {
	return s.finish(ctx, runID, catalog.RunFailed, errMsg)
}

func (s *RunStore) finish(ctx context.Context, runID string, status catalog.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE runs SET status = ?, error = ?, finished_at_ms = ?
	WHERE id = ? AND status = ?
	`, status, errMsg, catalog.NowMS(), runID, catalog.RunRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, catalog.ErrNotFound)
	}
	return nil
}

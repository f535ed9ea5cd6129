// Package library owns video discovery: the video store, the filesystem
// scanner, and the fsnotify watcher feeding new files into the catalog.
package library

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vidgrep/vidgrep/internal/catalog"
)

// VideoStore provides SQLite persistence for video rows.
type VideoStore struct {
	db *sql.DB
}

// NewVideoStore wraps an already-migrated catalog handle.
func NewVideoStore(db *sql.DB) *VideoStore {
	return &VideoStore{db: db}
}

const videoColumns = `id, path, content_hash, file_created_at_ms, duration_s, size_bytes, status, created_at_ms, updated_at_ms`

func scanVideo(row interface{ Scan(...any) error }) (*catalog.Video, error) {
	var v catalog.Video
	var fileCreated sql.NullInt64
	if err := row.Scan(
		&v.VideoID, &v.Path, &v.ContentHash, &fileCreated,
		&v.DurationS, &v.SizeBytes, &v.Status, &v.CreatedAtMS, &v.UpdatedAtMS,
	); err != nil {
		return nil, err
	}
	if fileCreated.Valid {
		v.FileCreatedAtMS = fileCreated.Int64
	}
	return &v, nil
}

// Insert creates a new video row. A second insert for the same path surfaces
// as catalog.ErrDuplicate.
func (s *VideoStore) Insert(ctx context.Context, v *catalog.Video) error {
	now := catalog.NowMS()
	if v.CreatedAtMS == 0 {
		v.CreatedAtMS = now
	}
	v.UpdatedAtMS = now
	if v.Status == "" {
		v.Status = catalog.VideoDiscovered
	}

	var fileCreated any
	if v.FileCreatedAtMS != 0 {
		fileCreated = v.FileCreatedAtMS
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO videos (`+videoColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.VideoID, v.Path, v.ContentHash, fileCreated, v.DurationS, v.SizeBytes, v.Status, v.CreatedAtMS, v.UpdatedAtMS)
	if err != nil {
		return catalog.MapConstraintErr(err)
	}
	return nil
}

// Get retrieves one video by id.
func (s *VideoStore) Get(ctx context.Context, videoID string) (*catalog.Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, videoID)
	v, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video %s: %w", videoID, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetByPath retrieves one video by its filesystem path, or nil when the path
// has never been discovered.
func (s *VideoStore) GetByPath(ctx context.Context, path string) (*catalog.Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE path = ?`, path)
	v, err := scanVideo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListByStatus returns all videos in the given lifecycle state, oldest first.
func (s *VideoStore) ListByStatus(ctx context.Context, status catalog.VideoStatus) ([]*catalog.Video, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+videoColumns+` FROM videos WHERE status = ? ORDER BY created_at_ms, id
	`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*catalog.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// List returns a page of videos ordered by creation time, newest first,
// together with the total count.
func (s *VideoStore) List(ctx context.Context, limit, offset int) ([]*catalog.Video, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT `+videoColumns+` FROM videos ORDER BY created_at_ms DESC, id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*catalog.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

// CountByStatus returns the number of videos per lifecycle state.
func (s *VideoStore) CountByStatus(ctx context.Context) (map[catalog.VideoStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM videos GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[catalog.VideoStatus]int)
	for rows.Next() {
		var status catalog.VideoStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// UpdateStatus transitions the lifecycle state of a video.
func (s *VideoStore) UpdateStatus(ctx context.Context, videoID string, status catalog.VideoStatus) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE videos SET status = ?, updated_at_ms = ? WHERE id = ?
	`, status, catalog.NowMS(), videoID)
	if err != nil {
		return err
	}
	return requireRow(res, videoID)
}

// SetHashed records the hash task's findings and flips the video to hashed.
// fileCreatedAtMS may be 0 when the container carries no creation time.
func (s *VideoStore) SetHashed(ctx context.Context, videoID, contentHash string, durationS float64, fileCreatedAtMS int64) error {
	var fileCreated any
	if fileCreatedAtMS != 0 {
		fileCreated = fileCreatedAtMS
	}
	res, err := s.db.ExecContext(ctx, `
	UPDATE videos
	SET content_hash = ?, duration_s = ?, file_created_at_ms = COALESCE(?, file_created_at_ms),
	    status = ?, updated_at_ms = ?
	WHERE id = ?
	`, contentHash, durationS, fileCreated, catalog.VideoHashed, catalog.NowMS(), videoID)
	if err != nil {
		return err
	}
	return requireRow(res, videoID)
}

// Delete removes a video. Tasks, runs, envelopes, projections, and policies
// go with it via foreign keys; FTS rows are cleared explicitly because
// virtual tables cannot cascade.
func (s *VideoStore) Delete(ctx context.Context, videoID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, fts := range []string{"transcript_fts", "ocr_fts"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+fts+` WHERE video_id = ?`, videoID); err != nil {
			return fmt.Errorf("clear %s: %w", fts, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, videoID)
	if err != nil {
		return err
	}
	if err := requireRow(res, videoID); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result, videoID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("video %s: %w", videoID, catalog.ErrNotFound)
	}
	return nil
}

// Package artifact persists immutable analysis envelopes and keeps their
// projections in sync. Envelope insert and projection rows commit in one
// transaction; either both are visible or neither is.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/metrics"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/selection"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

var (
	// ErrSpanInvalid reports span_start_ms > span_end_ms or negative bounds.
	ErrSpanInvalid = errors.New("artifact: invalid span")
	// ErrProfileInvalid reports an unknown model profile.
	ErrProfileInvalid = errors.New("artifact: invalid model profile")
)

// Store provides SQLite persistence for envelopes.
type Store struct {
	db       *sql.DB
	registry *schema.Registry
}

// NewStore wraps an already-migrated catalog handle.
func NewStore(db *sql.DB, registry *schema.Registry) *Store {
	return &Store{db: db, registry: registry}
}

const envelopeColumns = `id, video_id, artifact_type, schema_version, span_start_ms, span_end_ms, payload, producer, producer_version, model_profile, config_hash, input_hash, run_id, created_at_ms`

func (s *Store) scanEnvelope(row interface{ Scan(...any) error }) (*catalog.Envelope, error) {
	var e catalog.Envelope
	var payload string
	if err := row.Scan(
		&e.ArtifactID, &e.VideoID, &e.Kind, &e.SchemaVersion,
		&e.SpanStartMS, &e.SpanEndMS, &payload,
		&e.Producer, &e.ProducerVersion, &e.ModelProfile,
		&e.ConfigHash, &e.InputHash, &e.RunID, &e.CreatedAtMS,
	); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.SchemaKnown = s.registry.IsRegistered(e.Kind, e.SchemaVersion)
	return &e, nil
}

// validate runs the write-time invariants and returns the typed payload.
func (s *Store) validate(e *catalog.Envelope) (schema.Payload, error) {
	if e.SpanStartMS < 0 || e.SpanEndMS < 0 || e.SpanStartMS > e.SpanEndMS {
		return nil, fmt.Errorf("%w: [%d,%d]", ErrSpanInvalid, e.SpanStartMS, e.SpanEndMS)
	}
	if !catalog.ValidProfile(e.ModelProfile) {
		return nil, fmt.Errorf("%w: %q", ErrProfileInvalid, e.ModelProfile)
	}
	payload, err := s.registry.Validate(e.Kind, e.SchemaVersion, e.Payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Create validates, inserts, and projects one envelope.
func (s *Store) Create(ctx context.Context, e *catalog.Envelope) error {
	return s.BatchCreate(ctx, []*catalog.Envelope{e})
}

// BatchCreate persists a batch atomically. A single bad envelope rolls the
// whole batch back; projection sync runs per envelope inside the same
// transaction.
func (s *Store) BatchCreate(ctx context.Context, envelopes []*catalog.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	// Validate everything before touching the database.
	payloads := make([]schema.Payload, len(envelopes))
	for i, e := range envelopes {
		p, err := s.validate(e)
		if err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				metrics.IncSchemaValidationFailure(string(e.Kind))
			}
			metrics.IncEnvelopeBatchRejected("validation")
			return fmt.Errorf("envelope %s: %w", e.ArtifactID, err)
		}
		payloads[i] = p
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := catalog.NowMS()
	rowsByTable := make(map[string]int)
	for i, e := range envelopes {
		if e.CreatedAtMS == 0 {
			e.CreatedAtMS = now
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (`+envelopeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ArtifactID, e.VideoID, e.Kind, e.SchemaVersion,
			e.SpanStartMS, e.SpanEndMS, string(e.Payload),
			e.Producer, e.ProducerVersion, e.ModelProfile,
			e.ConfigHash, e.InputHash, e.RunID, e.CreatedAtMS); err != nil {
			mapped := catalog.MapConstraintErr(err)
			metrics.IncEnvelopeBatchRejected(rejectionReason(mapped))
			return fmt.Errorf("envelope %s: %w", e.ArtifactID, mapped)
		}
		n, err := syncProjections(ctx, tx, e, payloads[i])
		if err != nil {
			metrics.IncEnvelopeBatchRejected("storage")
			return fmt.Errorf("envelope %s: project: %w", e.ArtifactID, err)
		}
		if n > 0 {
			rowsByTable[projectionTable(e.Kind)] += n
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.IncEnvelopeBatchRejected("storage")
		return err
	}

	for _, e := range envelopes {
		metrics.IncEnvelopePersisted(string(e.Kind))
	}
	for table, n := range rowsByTable {
		metrics.AddProjectionRows(table, n)
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, catalog.ErrVideoUnknown):
		return "unknown_video"
	case errors.Is(err, catalog.ErrDuplicate):
		return "duplicate"
	default:
		return "storage"
	}
}

// GetByID retrieves one envelope.
func (s *Store) GetByID(ctx context.Context, artifactID string) (*catalog.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM artifacts WHERE id = ?`, artifactID)
	e, err := s.scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Window restricts GetByVideo to envelopes fully contained in [StartMS, EndMS].
type Window struct {
	StartMS int64
	EndMS   int64
}

// ListOptions narrow GetByVideo results.
type ListOptions struct {
	Kind      taskgraph.ArtifactKind // empty selects all kinds
	Window    *Window
	Selection selection.Filter
}

// GetByVideo returns envelopes for a video, optionally narrowed by kind and
// containment window, under the given selection filter. Unknown videos
// return an empty result, not an error.
func (s *Store) GetByVideo(ctx context.Context, videoID string, opts ListOptions) ([]*catalog.Envelope, error) {
	var b queryBuilder
	b.where("video_id = ?", videoID)
	if opts.Kind != "" {
		b.where("artifact_type = ?", opts.Kind)
	}
	if opts.Window != nil {
		b.where("span_start_ms >= ?", opts.Window.StartMS)
		b.where("span_end_ms <= ?", opts.Window.EndMS)
	}
	applySelection(&b, opts.Selection)

	return s.list(ctx, b)
}

// GetBySpan returns envelopes of one kind whose span overlaps
// [spanStartMS, spanEndMS].
func (s *Store) GetBySpan(ctx context.Context, videoID string, kind taskgraph.ArtifactKind, spanStartMS, spanEndMS int64, sel selection.Filter) ([]*catalog.Envelope, error) {
	var b queryBuilder
	b.where("video_id = ?", videoID)
	b.where("artifact_type = ?", kind)
	b.where("span_start_ms <= ?", spanEndMS)
	b.where("span_end_ms >= ?", spanStartMS)
	applySelection(&b, sel)

	return s.list(ctx, b)
}

// CountByVideoAndKind reports how many envelopes exist for (video, kind).
// The backend worker polls this to detect inference completion.
func (s *Store) CountByVideoAndKind(ctx context.Context, videoID string, kind taskgraph.ArtifactKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM artifacts WHERE video_id = ? AND artifact_type = ?
	`, videoID, kind).Scan(&n)
	return n, err
}

// DistinctSpanStarts returns the sorted distinct span_start_ms values across
// every envelope of a video. The thumbnail extractor derives its frame set
// from this.
func (s *Store) DistinctSpanStarts(ctx context.Context, videoID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT DISTINCT span_start_ms FROM artifacts WHERE video_id = ? ORDER BY span_start_ms
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// Delete removes one envelope. Projection rows cascade via foreign keys; FTS
// rows are cleared explicitly in the same transaction because virtual tables
// cannot carry them.
func (s *Store) Delete(ctx context.Context, artifactID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, fts := range []string{"transcript_fts", "ocr_fts"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+fts+` WHERE artifact_id = ?`, artifactID); err != nil {
			return fmt.Errorf("clear %s: %w", fts, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, artifactID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("artifact %s: %w", artifactID, catalog.ErrNotFound)
	}
	return tx.Commit()
}

// DeleteByRun removes every envelope of one run, e.g. when an operator
// retracts a bad inference pass.
func (s *Store) DeleteByRun(ctx context.Context, runID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, fts := range []string{"transcript_fts", "ocr_fts"} {
		if _, err := tx.ExecContext(ctx, `
		DELETE FROM `+fts+` WHERE artifact_id IN (SELECT id FROM artifacts WHERE run_id = ?)
		`, runID); err != nil {
			return 0, fmt.Errorf("clear %s: %w", fts, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE run_id = ?`, runID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// queryBuilder accumulates WHERE clauses and an optional ordering prefix.
type queryBuilder struct {
	conds       []string
	args        []any
	orderPrefix string
}

func (b *queryBuilder) where(cond string, args ...any) {
	b.conds = append(b.conds, cond)
	b.args = append(b.args, args...)
}

// applySelection folds a compiled selection filter into the query.
// latest stays one query: a correlated subquery picks the newest run per
// (video, kind) so cost tracks the result size, not the history size.
func applySelection(b *queryBuilder, f selection.Filter) {
	switch f.Mode {
	case catalog.SelectionLatest:
		b.where(`run_id = (
			SELECT a2.run_id FROM artifacts a2
			WHERE a2.video_id = artifacts.video_id AND a2.artifact_type = artifacts.artifact_type
			ORDER BY a2.created_at_ms DESC, a2.id DESC LIMIT 1
		)`)
	case catalog.SelectionProfile:
		b.where("model_profile = ?", f.Profile)
	case catalog.SelectionPinned:
		b.where("run_id = ?", f.RunID)
		if f.ArtifactID != "" {
			b.where("id = ?", f.ArtifactID)
		}
	case catalog.SelectionBestQuality:
		b.orderPrefix = `CASE model_profile
			WHEN 'high_quality' THEN 0
			WHEN 'balanced' THEN 1
			ELSE 2 END, `
	}
}

func (s *Store) list(ctx context.Context, b queryBuilder) ([]*catalog.Envelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM artifacts WHERE ` +
		strings.Join(b.conds, " AND ") +
		` ORDER BY ` + b.orderPrefix + `span_start_ms, id`

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*catalog.Envelope
	for rows.Next() {
		e, err := s.scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

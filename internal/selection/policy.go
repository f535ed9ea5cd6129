// Package selection stores per-(video, kind) read policies and compiles
// them into the filters the artifact store applies at query time.
package selection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

var (
	// ErrInvalidPolicy reports a policy that fails domain validation.
	ErrInvalidPolicy = errors.New("selection: invalid policy")
)

// ValidatePolicy checks the mode-specific field requirements.
func ValidatePolicy(p *catalog.SelectionPolicy) error {
	if !catalog.ValidSelectionMode(p.Mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, p.Mode)
	}
	switch p.Mode {
	case catalog.SelectionProfile:
		if p.PreferredProfile == "" {
			return fmt.Errorf("%w: profile mode requires preferred_profile", ErrInvalidPolicy)
		}
		if !catalog.ValidProfile(p.PreferredProfile) {
			return fmt.Errorf("%w: unknown profile %q", ErrInvalidPolicy, p.PreferredProfile)
		}
	case catalog.SelectionPinned:
		if p.PinnedRunID == "" {
			return fmt.Errorf("%w: pinned mode requires pinned_run_id", ErrInvalidPolicy)
		}
	}
	return nil
}

// Manager provides CRUD over stored policies plus the implicit default.
type Manager struct {
	db *sql.DB
}

// NewManager wraps an already-migrated catalog handle.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

const policyColumns = `video_id, artifact_type, mode, preferred_profile, pinned_run_id, pinned_artifact_id, created_at_ms, updated_at_ms`

func scanPolicy(row interface{ Scan(...any) error }) (*catalog.SelectionPolicy, error) {
	var p catalog.SelectionPolicy
	if err := row.Scan(
		&p.VideoID, &p.Kind, &p.Mode, &p.PreferredProfile,
		&p.PinnedRunID, &p.PinnedArtifactID, &p.CreatedAtMS, &p.UpdatedAtMS,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get returns the stored policy for (video, kind), or catalog.ErrNotFound.
func (m *Manager) Get(ctx context.Context, videoID string, kind taskgraph.ArtifactKind) (*catalog.SelectionPolicy, error) {
	row := m.db.QueryRowContext(ctx, `
	SELECT `+policyColumns+` FROM selection_policies
	WHERE video_id = ? AND artifact_type = ?
	`, videoID, kind)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %s/%s: %w", videoID, kind, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetEffective returns the stored policy, or the implicit latest default
// when none is stored. The read path always goes through here.
func (m *Manager) GetEffective(ctx context.Context, videoID string, kind taskgraph.ArtifactKind) (*catalog.SelectionPolicy, error) {
	p, err := m.Get(ctx, videoID, kind)
	if errors.Is(err, catalog.ErrNotFound) {
		return &catalog.SelectionPolicy{
			VideoID: videoID,
			Kind:    kind,
			Mode:    catalog.SelectionLatest,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Set validates and stores a policy, replacing any previous row in place
// and bumping updated_at.
func (m *Manager) Set(ctx context.Context, p *catalog.SelectionPolicy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}

	now := catalog.NowMS()
	p.UpdatedAtMS = now
	if p.CreatedAtMS == 0 {
		p.CreatedAtMS = now
	}

	_, err := m.db.ExecContext(ctx, `
	INSERT INTO selection_policies (`+policyColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(video_id, artifact_type) DO UPDATE SET
		mode = excluded.mode,
		preferred_profile = excluded.preferred_profile,
		pinned_run_id = excluded.pinned_run_id,
		pinned_artifact_id = excluded.pinned_artifact_id,
		updated_at_ms = excluded.updated_at_ms
	`, p.VideoID, p.Kind, p.Mode, p.PreferredProfile, p.PinnedRunID, p.PinnedArtifactID,
		p.CreatedAtMS, p.UpdatedAtMS)
	if err != nil {
		return catalog.MapConstraintErr(err)
	}
	return nil
}

// Delete removes a stored policy, returning the read path to the default.
func (m *Manager) Delete(ctx context.Context, videoID string, kind taskgraph.ArtifactKind) error {
	res, err := m.db.ExecContext(ctx, `
	DELETE FROM selection_policies WHERE video_id = ? AND artifact_type = ?
	`, videoID, kind)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("policy %s/%s: %w", videoID, kind, catalog.ErrNotFound)
	}
	return nil
}

// List returns every stored policy for a video.
func (m *Manager) List(ctx context.Context, videoID string) ([]*catalog.SelectionPolicy, error) {
	rows, err := m.db.QueryContext(ctx, `
	SELECT `+policyColumns+` FROM selection_policies
	WHERE video_id = ? ORDER BY artifact_type
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*catalog.SelectionPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

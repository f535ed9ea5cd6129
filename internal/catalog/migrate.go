package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// schemaVersion tracks the catalog DDL generation via PRAGMA user_version.
const schemaVersion = 1

// Migrate creates or upgrades the catalog schema. It is idempotent and safe
// to run at every process start; both the daemon and the ML worker call it.
func Migrate(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("bump schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// NowMS returns the current wall clock as unix milliseconds, the time
// representation used across the catalog.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

const ddl = `
CREATE TABLE IF NOT EXISTS videos (
	id                 TEXT PRIMARY KEY,
	path               TEXT NOT NULL UNIQUE,
	content_hash       TEXT NOT NULL DEFAULT '',
	file_created_at_ms INTEGER,
	duration_s         REAL NOT NULL DEFAULT 0,
	size_bytes         INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'discovered'
		CHECK(status IN ('discovered','hashed','processing','completed','failed')),
	created_at_ms      INTEGER NOT NULL,
	updated_at_ms      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_videos_status ON videos(status);
CREATE INDEX IF NOT EXISTS idx_videos_file_created ON videos(file_created_at_ms, id);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	video_id        TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	task_type       TEXT NOT NULL,
	language        TEXT,
	status          TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending','running','completed','failed','cancelled')),
	priority        INTEGER NOT NULL DEFAULT 0,
	depends_on      TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at_ms   INTEGER NOT NULL,
	started_at_ms   INTEGER NOT NULL DEFAULT 0,
	completed_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_video_type_lang
	ON tasks(video_id, task_type, COALESCE(language, ''));
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_dequeue ON tasks(task_type, status, priority, created_at_ms);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	video_id         TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	pipeline_profile TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'running'
		CHECK(status IN ('running','completed','failed')),
	error            TEXT NOT NULL DEFAULT '',
	started_at_ms    INTEGER NOT NULL,
	finished_at_ms   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_video ON runs(video_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id               TEXT PRIMARY KEY,
	video_id         TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	artifact_type    TEXT NOT NULL,
	schema_version   INTEGER NOT NULL,
	span_start_ms    INTEGER NOT NULL CHECK(span_start_ms >= 0),
	span_end_ms      INTEGER NOT NULL CHECK(span_end_ms >= span_start_ms),
	payload          TEXT NOT NULL,
	producer         TEXT NOT NULL,
	producer_version TEXT NOT NULL,
	model_profile    TEXT NOT NULL
		CHECK(model_profile IN ('fast','balanced','high_quality')),
	config_hash      TEXT NOT NULL,
	input_hash       TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	created_at_ms    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_video_type_span
	ON artifacts(video_id, artifact_type, span_start_ms);
CREATE INDEX IF NOT EXISTS idx_artifacts_type_created
	ON artifacts(artifact_type, created_at_ms);
CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);

CREATE TABLE IF NOT EXISTS selection_policies (
	video_id           TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	artifact_type      TEXT NOT NULL,
	mode               TEXT NOT NULL
		CHECK(mode IN ('default','latest','profile','pinned','best_quality')),
	preferred_profile  TEXT NOT NULL DEFAULT '',
	pinned_run_id      TEXT NOT NULL DEFAULT '',
	pinned_artifact_id TEXT NOT NULL DEFAULT '',
	created_at_ms      INTEGER NOT NULL,
	updated_at_ms      INTEGER NOT NULL,
	PRIMARY KEY (video_id, artifact_type)
);

CREATE TABLE IF NOT EXISTS transcript_segments (
	artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	video_id    TEXT NOT NULL,
	start_ms    INTEGER NOT NULL,
	end_ms      INTEGER NOT NULL,
	text        TEXT NOT NULL,
	language    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_artifact ON transcript_segments(artifact_id);
CREATE INDEX IF NOT EXISTS idx_transcript_segments_video ON transcript_segments(video_id, start_ms);

CREATE TABLE IF NOT EXISTS ocr_blocks (
	artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	video_id    TEXT NOT NULL,
	start_ms    INTEGER NOT NULL,
	end_ms      INTEGER NOT NULL,
	text        TEXT NOT NULL,
	language    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ocr_blocks_artifact ON ocr_blocks(artifact_id);
CREATE INDEX IF NOT EXISTS idx_ocr_blocks_video ON ocr_blocks(video_id, start_ms);

CREATE TABLE IF NOT EXISTS object_labels (
	artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	video_id    TEXT NOT NULL,
	label       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	start_ms    INTEGER NOT NULL,
	end_ms      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_object_labels_artifact ON object_labels(artifact_id);
CREATE INDEX IF NOT EXISTS idx_object_labels_video ON object_labels(video_id, label, start_ms);

CREATE TABLE IF NOT EXISTS face_clusters (
	artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	video_id    TEXT NOT NULL,
	cluster_id  TEXT NOT NULL,
	confidence  REAL NOT NULL,
	start_ms    INTEGER NOT NULL,
	end_ms      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_face_clusters_artifact ON face_clusters(artifact_id);
CREATE INDEX IF NOT EXISTS idx_face_clusters_video ON face_clusters(video_id, cluster_id, start_ms);

CREATE TABLE IF NOT EXISTS scene_ranges (
	artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	video_id    TEXT NOT NULL,
	scene_index INTEGER NOT NULL,
	start_ms    INTEGER NOT NULL,
	end_ms      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scene_ranges_artifact ON scene_ranges(artifact_id);
CREATE INDEX IF NOT EXISTS idx_scene_ranges_video ON scene_ranges(video_id, scene_index);

CREATE TABLE IF NOT EXISTS video_locations (
	artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	video_id    TEXT NOT NULL,
	lat         REAL NOT NULL,
	lon         REAL NOT NULL,
	alt         REAL,
	country     TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT '',
	city        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_video_locations_artifact ON video_locations(artifact_id);
CREATE INDEX IF NOT EXISTS idx_video_locations_video ON video_locations(video_id);

-- FTS5 virtual tables cannot carry foreign keys; the artifact store deletes
-- their rows explicitly inside the same transaction as the envelope delete.
CREATE VIRTUAL TABLE IF NOT EXISTS transcript_fts USING fts5(
	text,
	artifact_id UNINDEXED,
	video_id UNINDEXED,
	start_ms UNINDEXED,
	end_ms UNINDEXED
);

CREATE VIRTUAL TABLE IF NOT EXISTS ocr_fts USING fts5(
	text,
	artifact_id UNINDEXED,
	video_id UNINDEXED,
	start_ms UNINDEXED,
	end_ms UNINDEXED
);
`

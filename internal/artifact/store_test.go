package artifact

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/library"
	"github.com/vidgrep/vidgrep/internal/persistence/sqlite"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/selection"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

func setupStore(t *testing.T) (*Store, *library.VideoStore) {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "catalog.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, catalog.Migrate(context.Background(), db))

	return NewStore(db, schema.Builtin()), library.NewVideoStore(db)
}

func addVideo(t *testing.T, videos *library.VideoStore, id string) {
	t.Helper()
	require.NoError(t, videos.Insert(context.Background(), &catalog.Video{
		VideoID:     id,
		Path:        "/media/" + id + ".mp4",
		ContentHash: "hash-" + id,
		Status:      catalog.VideoProcessing,
	}))
}

func envelope(t *testing.T, artifactID, videoID, runID string, start, end int64, payload schema.Payload) *catalog.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &catalog.Envelope{
		ArtifactID:      artifactID,
		VideoID:         videoID,
		Kind:            payload.Kind(),
		SchemaVersion:   payload.Version(),
		SpanStartMS:     start,
		SpanEndMS:       end,
		Payload:         raw,
		Producer:        "test-producer",
		ProducerVersion: "1.0",
		ModelProfile:    catalog.ProfileBalanced,
		ConfigHash:      "cfg",
		InputHash:       "hash-" + videoID,
		RunID:           runID,
	}
}

func TestCreateProjectsObjectLabels(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.Create(ctx, envelope(t, "a1", "v1", "r1", 0, 33,
		schema.ObjectDetectionV1{Label: "person", Confidence: 0.95})))
	require.NoError(t, store.Create(ctx, envelope(t, "a2", "v1", "r1", 33, 66,
		schema.ObjectDetectionV1{Label: "car", Confidence: 0.87})))

	type labelRow struct {
		Label      string
		Confidence float64
		StartMS    int64
		EndMS      int64
	}
	rows, err := store.db.QueryContext(ctx, `
	SELECT label, confidence, start_ms, end_ms FROM object_labels
	WHERE video_id = 'v1' ORDER BY start_ms`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var got []labelRow
	for rows.Next() {
		var r labelRow
		require.NoError(t, rows.Scan(&r.Label, &r.Confidence, &r.StartMS, &r.EndMS))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	want := []labelRow{
		{Label: "person", Confidence: 0.95, StartMS: 0, EndMS: 33},
		{Label: "car", Confidence: 0.87, StartMS: 33, EndMS: 66},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("object_labels mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateProjectsTranscriptWithFTS(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.Create(ctx, envelope(t, "a1", "v1", "r1", 2000, 3000,
		schema.TranscriptSegmentV1{Text: "password reset", Language: "en", Confidence: 0.9})))

	// One metadata row plus one FTS shadow row.
	n, err := store.ProjectionCount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var hits int
	require.NoError(t, store.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM transcript_fts WHERE transcript_fts MATCH 'reset'`).Scan(&hits))
	assert.Equal(t, 1, hits)
}

func TestCreateSkipsProjectionForUnprojectedKind(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.Create(ctx, envelope(t, "a1", "v1", "r1", 0, 1000,
		schema.TopicV1{Topic: "security", Confidence: 0.8})))

	n, err := store.ProjectionCount(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateGeoProjectionOnlyWithFix(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.Create(ctx, envelope(t, "nofix", "v1", "r1", 0, 0,
		schema.VideoMetadataV1{DurationS: 60})))
	n, err := store.ProjectionCount(ctx, "nofix")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.Create(ctx, envelope(t, "fix", "v1", "r1", 0, 0,
		schema.VideoMetadataV1{DurationS: 60, GPS: &schema.GPSFix{Lat: 48.2, Lon: 16.3, City: "Vienna"}})))
	n, err = store.ProjectionCount(ctx, "fix")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateRejectsInvalidSpan(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	cases := []struct {
		name       string
		start, end int64
	}{
		{"negative start", -1, 10},
		{"negative end", 0, -10},
		{"inverted", 100, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.Create(ctx, envelope(t, "bad", "v1", "r1", tc.start, tc.end,
				schema.SceneV1{SceneIndex: 0}))
			require.ErrorIs(t, err, ErrSpanInvalid)
		})
	}
}

func TestCreateRejectsUnknownVideo(t *testing.T) {
	store, _ := setupStore(t)

	err := store.Create(context.Background(), envelope(t, "a1", "ghost", "r1", 0, 10,
		schema.SceneV1{SceneIndex: 0}))
	require.ErrorIs(t, err, catalog.ErrVideoUnknown)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	e := envelope(t, "a1", "v1", "r1", 0, 10, schema.SceneV1{SceneIndex: 0})
	require.NoError(t, store.Create(ctx, e))
	err := store.Create(ctx, envelope(t, "a1", "v1", "r1", 0, 10, schema.SceneV1{SceneIndex: 0}))
	require.ErrorIs(t, err, catalog.ErrDuplicate)
}

func TestBatchCreateRollsBackOnOneBadEnvelope(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	good := envelope(t, "good", "v1", "r1", 0, 100,
		schema.TranscriptSegmentV1{Text: "hello", Confidence: 0.9})
	bad := envelope(t, "bad", "v1", "r1", 100, 200,
		schema.TranscriptSegmentV1{Text: "world", Confidence: 0.9})
	bad.Payload = json.RawMessage(`{"text": ""}`)

	err := store.BatchCreate(ctx, []*catalog.Envelope{good, bad})
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)

	// Nothing from the batch may be visible.
	n, err := store.CountByVideoAndKind(ctx, "v1", taskgraph.ArtifactTranscriptSegment)
	require.NoError(t, err)
	assert.Zero(t, n)
	pn, err := store.ProjectionCount(ctx, "good")
	require.NoError(t, err)
	assert.Zero(t, pn)
}

func TestGetByIDRoundTrips(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	in := envelope(t, "a1", "v1", "r1", 10, 20,
		schema.FaceDetectionV1{ClusterID: "c7", Confidence: 0.88})
	require.NoError(t, store.Create(ctx, in))

	out, err := store.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, out.SchemaKnown)

	in.SchemaKnown = true // set at read time
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
	}

	_, err = store.GetByID(ctx, "ghost")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestGetByVideoUnknownVideoReturnsEmpty(t *testing.T) {
	store, _ := setupStore(t)

	got, err := store.GetByVideo(context.Background(), "ghost", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetByVideoWindowContainment(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{
		envelope(t, "inside", "v1", "r1", 100, 200, schema.SceneV1{SceneIndex: 0}),
		envelope(t, "straddles", "v1", "r1", 150, 600, schema.SceneV1{SceneIndex: 1}),
		envelope(t, "outside", "v1", "r1", 700, 800, schema.SceneV1{SceneIndex: 2}),
	}))

	got, err := store.GetByVideo(ctx, "v1", ListOptions{
		Kind:   taskgraph.ArtifactScene,
		Window: &Window{StartMS: 0, EndMS: 500},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inside", got[0].ArtifactID)
}

func TestGetBySpanOverlap(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{
		envelope(t, "before", "v1", "r1", 0, 99, schema.SceneV1{SceneIndex: 0}),
		envelope(t, "overlap", "v1", "r1", 50, 150, schema.SceneV1{SceneIndex: 1}),
		envelope(t, "after", "v1", "r1", 300, 400, schema.SceneV1{SceneIndex: 2}),
	}))

	got, err := store.GetBySpan(ctx, "v1", taskgraph.ArtifactScene, 100, 200, selection.Default())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "overlap", got[0].ArtifactID)
}

func TestSelectionLatestReturnsNewestRun(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	e1 := envelope(t, "old", "v1", "r1", 0, 1000,
		schema.TranscriptSegmentV1{Text: "first pass", Confidence: 0.9})
	e1.CreatedAtMS = 1000
	e2 := envelope(t, "new", "v1", "r2", 0, 1000,
		schema.TranscriptSegmentV1{Text: "second pass", Confidence: 0.9})
	e2.CreatedAtMS = 2000
	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{e1, e2}))

	got, err := store.GetByVideo(ctx, "v1", ListOptions{
		Kind:      taskgraph.ArtifactTranscriptSegment,
		Selection: selection.Latest(),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ArtifactID)
	assert.Equal(t, "r2", got[0].RunID)
}

func TestSelectionLatestIsPerKind(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	// A newer run of a different kind must not shadow the transcript run.
	e1 := envelope(t, "seg", "v1", "r1", 0, 1000,
		schema.TranscriptSegmentV1{Text: "only segment", Confidence: 0.9})
	e1.CreatedAtMS = 1000
	e2 := envelope(t, "scene", "v1", "r2", 0, 1000, schema.SceneV1{SceneIndex: 0})
	e2.CreatedAtMS = 2000
	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{e1, e2}))

	got, err := store.GetByVideo(ctx, "v1", ListOptions{
		Kind:      taskgraph.ArtifactTranscriptSegment,
		Selection: selection.Latest(),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "seg", got[0].ArtifactID)
}

func TestSelectionProfileFilters(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	fast := envelope(t, "fast", "v1", "r1", 0, 100, schema.SceneV1{SceneIndex: 0})
	fast.ModelProfile = catalog.ProfileFast
	hq := envelope(t, "hq", "v1", "r2", 0, 100, schema.SceneV1{SceneIndex: 0})
	hq.ModelProfile = catalog.ProfileHighQuality
	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{fast, hq}))

	got, err := store.GetByVideo(ctx, "v1", ListOptions{
		Kind: taskgraph.ArtifactScene,
		Selection: selection.Compile(&catalog.SelectionPolicy{
			Mode:             catalog.SelectionProfile,
			PreferredProfile: catalog.ProfileHighQuality,
		}),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hq", got[0].ArtifactID)
}

func TestSelectionPinnedRunAndArtifact(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{
		envelope(t, "r1a", "v1", "r1", 0, 100, schema.SceneV1{SceneIndex: 0}),
		envelope(t, "r1b", "v1", "r1", 100, 200, schema.SceneV1{SceneIndex: 1}),
		envelope(t, "r2a", "v1", "r2", 0, 100, schema.SceneV1{SceneIndex: 0}),
	}))

	byRun, err := store.GetByVideo(ctx, "v1", ListOptions{
		Kind: taskgraph.ArtifactScene,
		Selection: selection.Compile(&catalog.SelectionPolicy{
			Mode:        catalog.SelectionPinned,
			PinnedRunID: "r1",
		}),
	})
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	assert.Equal(t, "r1a", byRun[0].ArtifactID)
	assert.Equal(t, "r1b", byRun[1].ArtifactID)

	byArtifact, err := store.GetByVideo(ctx, "v1", ListOptions{
		Kind: taskgraph.ArtifactScene,
		Selection: selection.Compile(&catalog.SelectionPolicy{
			Mode:             catalog.SelectionPinned,
			PinnedRunID:      "r1",
			PinnedArtifactID: "r1b",
		}),
	})
	require.NoError(t, err)
	require.Len(t, byArtifact, 1)
	assert.Equal(t, "r1b", byArtifact[0].ArtifactID)
}

func TestSelectionBestQualityOrdersByProfile(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	mk := func(id string, profile catalog.ModelProfile) *catalog.Envelope {
		e := envelope(t, id, "v1", "r-"+id, 0, 100, schema.SceneV1{SceneIndex: 0})
		e.ModelProfile = profile
		return e
	}
	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{
		mk("f", catalog.ProfileFast),
		mk("h", catalog.ProfileHighQuality),
		mk("b", catalog.ProfileBalanced),
	}))

	got, err := store.GetByVideo(ctx, "v1", ListOptions{
		Kind: taskgraph.ArtifactScene,
		Selection: selection.Compile(&catalog.SelectionPolicy{
			Mode: catalog.SelectionBestQuality,
		}),
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "h", got[0].ArtifactID)
	assert.Equal(t, "b", got[1].ArtifactID)
	assert.Equal(t, "f", got[2].ArtifactID)
}

func TestDeleteCascadesProjections(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.Create(ctx, envelope(t, "a1", "v1", "r1", 0, 1000,
		schema.OCRTextV1{Text: "Reset button", Confidence: 0.8})))
	n, err := store.ProjectionCount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 2, n) // ocr_blocks + ocr_fts

	require.NoError(t, store.Delete(ctx, "a1"))

	n, err = store.ProjectionCount(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = store.GetByID(ctx, "a1")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	require.ErrorIs(t, store.Delete(ctx, "a1"), catalog.ErrNotFound)
}

func TestDeleteByRun(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{
		envelope(t, "r1a", "v1", "r1", 0, 100,
			schema.TranscriptSegmentV1{Text: "a", Confidence: 0.9}),
		envelope(t, "r1b", "v1", "r1", 100, 200,
			schema.TranscriptSegmentV1{Text: "b", Confidence: 0.9}),
		envelope(t, "r2a", "v1", "r2", 0, 100,
			schema.TranscriptSegmentV1{Text: "c", Confidence: 0.9}),
	}))

	n, err := store.DeleteByRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.GetByVideo(ctx, "v1", ListOptions{Kind: taskgraph.ArtifactTranscriptSegment})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "r2a", left[0].ArtifactID)

	var fts int
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_fts`).Scan(&fts))
	assert.Equal(t, 1, fts)
}

func TestUnknownSchemaVersionFlaggedAtRead(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.Create(ctx, envelope(t, "a1", "v1", "r1", 0, 100,
		schema.SceneV1{SceneIndex: 0})))

	// A reader whose registry lacks the shape sees the envelope raw but
	// flagged, so it can skip it.
	bare := NewStore(store.db, schema.NewRegistry())
	out, err := bare.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, out.SchemaKnown)
	assert.NotEmpty(t, out.Payload)
}

func TestDistinctSpanStarts(t *testing.T) {
	store, videos := setupStore(t)
	ctx := context.Background()
	addVideo(t, videos, "v1")

	require.NoError(t, store.BatchCreate(ctx, []*catalog.Envelope{
		envelope(t, "a", "v1", "r1", 2000, 3000, schema.SceneV1{SceneIndex: 1}),
		envelope(t, "b", "v1", "r1", 0, 1000, schema.SceneV1{SceneIndex: 0}),
		envelope(t, "c", "v1", "r2", 2000, 2500,
			schema.TranscriptSegmentV1{Text: "dup start", Confidence: 0.9}),
	}))

	starts, err := store.DistinctSpanStarts(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2000}, starts)
}

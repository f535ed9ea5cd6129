package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/persistence/sqlite"
)

func setupLibrary(t *testing.T) *VideoStore {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "catalog.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, catalog.Migrate(context.Background(), db))

	return NewVideoStore(db)
}

func TestIsVideoFile(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/media/clip.mp4", true},
		{"/media/clip.MKV", true},
		{"/media/clip.webm", true},
		{"/media/notes.txt", false},
		{"/media/clip.mp4.part", false},
		{"/media/noext", false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, IsVideoFile(tc.path), "path %s", tc.path)
	}
}

func TestVideoStoreInsertAndLookup(t *testing.T) {
	store := setupLibrary(t)
	ctx := context.Background()

	v := &catalog.Video{
		VideoID:   "v1",
		Path:      "/media/a.mp4",
		SizeBytes: 1024,
	}
	require.NoError(t, store.Insert(ctx, v))
	assert.Equal(t, catalog.VideoDiscovered, v.Status)

	got, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "/media/a.mp4", got.Path)

	byPath, err := store.GetByPath(ctx, "/media/a.mp4")
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, "v1", byPath.VideoID)

	missing, err := store.GetByPath(ctx, "/media/other.mp4")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// The path is unique; a rediscovered file must not duplicate.
	err = store.Insert(ctx, &catalog.Video{VideoID: "v2", Path: "/media/a.mp4"})
	require.ErrorIs(t, err, catalog.ErrDuplicate)
}

func TestVideoStoreLifecycle(t *testing.T) {
	store := setupLibrary(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, &catalog.Video{VideoID: "v1", Path: "/media/a.mp4"}))

	require.NoError(t, store.SetHashed(ctx, "v1", "abc123", 90.5, 1700000000000))
	got, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoHashed, got.Status)
	assert.Equal(t, "abc123", got.ContentHash)
	assert.Equal(t, 90.5, got.DurationS)
	assert.Equal(t, int64(1700000000000), got.FileCreatedAtMS)

	require.NoError(t, store.UpdateStatus(ctx, "v1", catalog.VideoProcessing))
	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[catalog.VideoProcessing])

	require.ErrorIs(t, store.UpdateStatus(ctx, "ghost", catalog.VideoFailed), catalog.ErrNotFound)
}

func TestVideoStoreDelete(t *testing.T) {
	store := setupLibrary(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, &catalog.Video{VideoID: "v1", Path: "/media/a.mp4"}))
	require.NoError(t, store.Delete(ctx, "v1"))
	_, err := store.Get(ctx, "v1")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, "v1"), catalog.ErrNotFound)
}

// discoveredCounter reads the ingest counter from the default registry.
func discoveredCounter(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "vidgrep_videos_discovered_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestScannerDiscoversOnlyNewVideos(t *testing.T) {
	store := setupLibrary(t)
	ctx := context.Background()

	root := t.TempDir()
	writeFile := func(name string) {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	writeFile("a.mp4")
	writeFile("b.mkv")
	writeFile("notes.txt")
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested", "c.mov"), []byte("x"), 0o644))

	scanner := NewScanner(store, []string{root})
	before := discoveredCounter(t)

	result, err := scanner.ScanAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Seen)
	assert.Equal(t, 3, result.Discovered)
	assert.Equal(t, 0, result.Known)
	assert.Equal(t, 1, result.Skipped)

	discovered, err := store.ListByStatus(ctx, catalog.VideoDiscovered)
	require.NoError(t, err)
	assert.Len(t, discovered, 3)

	assert.Equal(t, before+3, discoveredCounter(t))

	// A second pass finds everything already known.
	result, err = scanner.ScanAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Discovered)
	assert.Equal(t, 3, result.Known)
	assert.Equal(t, before+3, discoveredCounter(t))
}

func TestScannerMissingRootIsNonFatal(t *testing.T) {
	store := setupLibrary(t)

	scanner := NewScanner(store, []string{"/nonexistent/media"})
	result, err := scanner.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.NotEmpty(t, result.LastError)
}

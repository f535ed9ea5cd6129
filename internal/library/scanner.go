package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/log"
	"github.com/vidgrep/vidgrep/internal/metrics"
)

// Scanner walks the configured media roots and feeds unknown video files
// into the catalog as discovered videos.
type Scanner struct {
	store *VideoStore
	roots []string
}

// NewScanner creates a filesystem scanner over the given roots.
func NewScanner(store *VideoStore, roots []string) *Scanner {
	return &Scanner{store: store, roots: roots}
}

// ScanAll performs a full pass over every root. Errors on individual files
// are counted and logged; the scan keeps going.
func (sc *Scanner) ScanAll(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{Started: time.Now()}
	logger := log.WithComponentFromContext(ctx, "library.scanner")

	for _, root := range sc.roots {
		if err := sc.scanRoot(ctx, root, result); err != nil {
			if ctx.Err() != nil {
				result.Finished = time.Now()
				metrics.ObserveScan(result.Finished.Sub(result.Started), ctx.Err())
				return result, ctx.Err()
			}
			result.Errors++
			result.LastError = err.Error()
			logger.Warn().Err(err).Str(log.FieldPath, root).
				Str(log.FieldEvent, "scan.root_failed").
				Msg("media root not scannable")
		}
	}

	result.Finished = time.Now()
	metrics.AddVideosDiscovered(result.Discovered)
	metrics.ObserveScan(result.Finished.Sub(result.Started), nil)
	logger.Info().
		Str(log.FieldEvent, "scan.completed").
		Int("seen", result.Seen).
		Int("discovered", result.Discovered).
		Int("known", result.Known).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Dur("elapsed", result.Finished.Sub(result.Started)).
		Msg("library scan finished")
	return result, nil
}

func (sc *Scanner) scanRoot(ctx context.Context, root string, result *ScanResult) error {
	// Resolve the root so symlinked media directories confine correctly.
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	rootResolved = filepath.Clean(rootResolved)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			result.Errors++
			result.LastError = walkErr.Error()
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !IsVideoFile(d.Name()) {
			result.Skipped++
			return nil
		}

		// Symlink-safe confinement: the resolved file must stay under the root.
		fileResolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			result.Skipped++
			return nil
		}
		if rel, err := filepath.Rel(rootResolved, fileResolved); err != nil || strings.HasPrefix(rel, "..") {
			result.Errors++
			result.LastError = fmt.Sprintf("path escapes root: %s", path)
			return nil
		}

		result.Seen++
		ingested, err := sc.Ingest(ctx, fileResolved)
		if err != nil {
			result.Errors++
			result.LastError = err.Error()
			return nil
		}
		if ingested {
			result.Discovered++
		} else {
			result.Known++
		}
		return nil
	})
}

// Ingest registers one video file as discovered. It returns false when the
// path is already in the catalog. The watcher shares this path with the
// scanner so discovery semantics cannot drift.
func (sc *Scanner) Ingest(ctx context.Context, path string) (bool, error) {
	existing, err := sc.store.GetByPath(ctx, path)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", path, err)
	}
	if existing != nil {
		return false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	v := &catalog.Video{
		VideoID:   uuid.NewString(),
		Path:      path,
		SizeBytes: info.Size(),
		Status:    catalog.VideoDiscovered,
	}
	if err := sc.store.Insert(ctx, v); err != nil {
		// A concurrent watcher event may have won the insert race.
		if existing, lookupErr := sc.store.GetByPath(ctx, path); lookupErr == nil && existing != nil {
			return false, nil
		}
		return false, fmt.Errorf("insert %s: %w", path, err)
	}

	logger := log.WithComponentFromContext(ctx, "library.scanner")
	logger.Info().
		Str(log.FieldEvent, "video.discovered").
		Str(log.FieldVideoID, v.VideoID).
		Str(log.FieldPath, path).
		Int64("size_bytes", v.SizeBytes).
		Msg("new video discovered")
	return true, nil
}

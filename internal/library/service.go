package library

import (
	"context"
	"sync"
	"time"

	"github.com/vidgrep/vidgrep/internal/log"
)

// Service runs discovery: an initial scan, periodic rescans, and the
// fsnotify watcher. After each pass it nudges the notify hook so the
// orchestrator can pick up freshly discovered videos.
type Service struct {
	scanner  *Scanner
	watcher  *Watcher
	interval time.Duration // 0 disables periodic rescans
	notify   func()

	// Deterministic singleflight: one scan at a time.
	scanMu sync.Mutex
}

// NewService wires the scanner and watcher over the same roots.
// notify may be nil.
func NewService(store *VideoStore, roots []string, interval time.Duration, notify func()) *Service {
	scanner := NewScanner(store, roots)
	return &Service{
		scanner:  scanner,
		watcher:  NewWatcher(scanner, roots),
		interval: interval,
		notify:   notify,
	}
}

// ScanOnce runs a single full scan. Concurrent callers serialize.
func (s *Service) ScanOnce(ctx context.Context) (*ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	result, err := s.scanner.ScanAll(ctx)
	if err != nil {
		return result, err
	}
	if result.Discovered > 0 && s.notify != nil {
		s.notify()
	}
	return result, nil
}

// Run blocks until ctx is cancelled: one initial scan, then the watcher and
// the periodic rescan ticker side by side.
func (s *Service) Run(ctx context.Context) error {
	logger := log.WithComponentFromContext(ctx, "library")

	if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Str(log.FieldEvent, "scan.initial_failed").Msg("initial scan failed")
	}

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- s.watcher.Run(ctx)
	}()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			<-watchDone
			return ctx.Err()
		case err := <-watchDone:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The watcher died while the service should keep running.
			logger.Error().Err(err).Str(log.FieldEvent, "watch.stopped").Msg("watcher stopped unexpectedly")
			return err
		case <-tick:
			if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str(log.FieldEvent, "scan.periodic_failed").Msg("periodic scan failed")
			}
		}
	}
}

// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/config"
	"github.com/vidgrep/vidgrep/internal/log"
	"github.com/vidgrep/vidgrep/internal/persistence/sqlite"
)

// PerformStartupChecks validates the environment before the daemon starts
// serving. Failures here abort startup rather than surfacing as confusing
// runtime errors later.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkDataDir(logger, cfg.ThumbDir); err != nil {
		return fmt.Errorf("thumbnail directory check failed: %w", err)
	}
	if err := checkCatalog(logger, cfg.DBPath); err != nil {
		return fmt.Errorf("catalog check failed: %w", err)
	}

	if err := checkListenAddr(logger, cfg.Listen); err != nil {
		return err
	}
	if err := checkInferenceURL(logger, cfg.Inference.URL); err != nil {
		return err
	}
	checkMediaRoots(logger, cfg.MediaRoots)

	if err := checkMediaTools(logger); err != nil {
		return err
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

// checkDataDir ensures the directory exists (creating it if needed) and is
// writable.
func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	probe := filepath.Join(path, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	_ = os.Remove(probe)

	logger.Info().Str("path", path).Msg("directory is writable")
	return nil
}

// checkCatalog runs a quick_check over an existing catalog file. A
// missing file is fine: the daemon creates it during migration.
func checkCatalog(logger zerolog.Logger, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Info().Str("path", path).Msg("catalog does not exist yet; skipping integrity check")
		return nil
	}

	issues, err := sqlite.VerifyIntegrity(path, false)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	if len(issues) > 0 {
		return fmt.Errorf("catalog %s is corrupt: %s", path, strings.Join(issues, "; "))
	}
	logger.Info().Str("path", path).Msg("catalog passed integrity check")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkInferenceURL(logger zerolog.Logger, raw string) error {
	if raw == "" {
		logger.Warn().Msg("inference URL not configured; ML tasks will fail until one is set")
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", config.EnvInferenceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got: %s", config.EnvInferenceURL, u.Scheme)
	}
	logger.Info().Str("url", raw).Msg("inference URL is valid")
	return nil
}

// checkMediaRoots warns about missing roots instead of failing: a library
// may live on a mount that appears after boot, and the scanner tolerates
// absent roots.
func checkMediaRoots(logger zerolog.Logger, roots []string) {
	if len(roots) == 0 {
		logger.Warn().Msg("no media roots configured; nothing will be discovered")
		return
	}
	for _, root := range roots {
		info, err := os.Stat(root)
		switch {
		case err != nil:
			logger.Warn().Str("path", root).Err(err).Msg("media root not accessible yet")
		case !info.IsDir():
			logger.Warn().Str("path", root).Msg("media root is not a directory")
		default:
			logger.Info().Str("path", root).Msg("media root available")
		}
	}
}

// checkMediaTools verifies ffprobe and ffmpeg are on PATH. Hashing and
// probing need ffprobe; thumbnails need ffmpeg.
func checkMediaTools(logger zerolog.Logger) error {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return fmt.Errorf("ffprobe binary not found: %w", err)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg binary not found: %w", err)
	}
	logger.Info().Msg("media tools available")
	return nil
}

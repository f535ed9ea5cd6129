// SPDX-License-Identifier: MIT

// Package media wraps the file-level concerns of the pipeline: content
// hashing, container probing via ffprobe, frame extraction via ffmpeg and
// a badger-backed cache keyed on file identity so unchanged files are
// never hashed twice.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vidgrep/vidgrep/internal/metrics"
)

// StreamSHA256 hashes the file contents without loading them into memory.
// Returns the lowercase hex digest and the file size.
func StreamSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	start := time.Now()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	metrics.ObserveHashDuration(time.Since(start))

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

package library

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// videoExtensions is the closed set of container extensions the scanner and
// watcher consider ingestable.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".m4v":  true,
	".ts":   true,
	".mts":  true,
	".wmv":  true,
	".flv":  true,
	".mpg":  true,
	".mpeg": true,
}

// IsVideoFile reports whether a path carries a known video extension.
func IsVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// ScanResult summarizes one pass over the configured media roots.
type ScanResult struct {
	Started    time.Time
	Finished   time.Time
	Seen       int // video files encountered
	Discovered int // new videos inserted
	Known      int // already in the catalog
	Skipped    int // non-video files, unresolvable symlinks
	Errors     int // walk/stat/db failures, scan continued
	LastError  string
}

// Error returns a human-readable summary when the scan had issues.
func (r *ScanResult) Error() string {
	if r.Errors == 0 {
		return ""
	}
	return fmt.Sprintf("scan completed with %d errors (last: %s)", r.Errors, r.LastError)
}

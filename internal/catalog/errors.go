package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrNotFound     = errors.New("catalog: not found")
	ErrDuplicate    = errors.New("catalog: duplicate row")
	ErrVideoUnknown = errors.New("catalog: video unknown")
)

// MapConstraintErr translates SQLite constraint failures into the catalog
// sentinels so callers can branch with errors.Is.
func MapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrVideoUnknown, err)
	}
	return err
}

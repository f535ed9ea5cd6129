package schema

import (
	"errors"
	"fmt"

	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrAlreadyRegistered = errors.New("schema: kind/version already registered")
	ErrUnknownSchema     = errors.New("schema: no schema registered for kind/version")
	ErrInvalidPayload    = errors.New("schema: payload failed validation")
	ErrInvalidVersion    = errors.New("schema: version must be >= 1")
	ErrEmptyKind         = errors.New("schema: kind must not be empty")
)

// ValidationError wraps a sentinel with the kind and version being validated.
type ValidationError struct {
	Sentinel error
	Kind     taskgraph.ArtifactKind
	Version  int
	Err      error // Nested lower-level error (e.g. json decode failure)
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("schema %s v%d: %v", e.Kind, e.Version, e.Sentinel)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Sentinel
}

package navigate

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a navigation error for the API boundary. Validation
// codes map to 400-class responses, VIDEO_NOT_FOUND to 404, INTERNAL_ERROR
// to 500.
type Code string

const (
	CodeInvalidKind        Code = "INVALID_KIND"
	CodeInvalidDirection   Code = "INVALID_DIRECTION"
	CodeInvalidQuery       Code = "INVALID_QUERY"
	CodeConflictingFilters Code = "CONFLICTING_FILTERS"
	CodeInvalidConfidence  Code = "INVALID_CONFIDENCE"
	CodeInvalidLimit       Code = "INVALID_LIMIT"
	CodeVideoNotFound      Code = "VIDEO_NOT_FOUND"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is the navigation error surface.
type Error struct {
	Code      Code      `json:"error_code"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Detail:    fmt.Sprintf(format, args...),
		Timestamp: time.Now().UTC(),
	}
}

// AsError unwraps err into a navigation error, if it carries one.
func AsError(err error) (*Error, bool) {
	var nerr *Error
	ok := errors.As(err, &nerr)
	return nerr, ok
}

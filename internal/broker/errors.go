package broker

import "errors"

var (
	// ErrUnknownJob is returned when no state hash exists for a job id.
	ErrUnknownJob = errors.New("broker: unknown job")

	// ErrJobTerminal is returned when an operation needs a live job but
	// the job already reached a terminal status.
	ErrJobTerminal = errors.New("broker: job already terminal")

	// ErrMalformedJob is returned for payloads that cannot be queued or
	// decoded.
	ErrMalformedJob = errors.New("broker: malformed job")

	// ErrUnknownKind is returned by the producer for task kinds outside
	// the registry.
	ErrUnknownKind = errors.New("broker: unknown task kind")
)

package inference

import "errors"

var (
	// ErrUnavailable covers connection failures and 5xx responses; the
	// call is worth retrying.
	ErrUnavailable = errors.New("inference: service unavailable")

	// ErrTimeout covers deadline-exceeded calls.
	ErrTimeout = errors.New("inference: request timed out")

	// ErrBadResponse covers undecodable bodies and unexpected statuses;
	// retrying will not help without operator action.
	ErrBadResponse = errors.New("inference: bad response")

	// ErrRejected covers 4xx responses: the request itself was invalid.
	ErrRejected = errors.New("inference: request rejected")
)

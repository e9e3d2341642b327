package thread

import "errors"

var (
	// ErrThreadNotFound is returned by Load for an unknown thread identifier.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrUnknownCallID is returned when a decision names no pending approval.
	ErrUnknownCallID = errors.New("unknown call identifier")
	// ErrInvalidDecisionOutcome is returned for an outcome other than
	// approved or rejected.
	ErrInvalidDecisionOutcome = errors.New("invalid decision outcome")
	// ErrInvalidThreadID is returned for identifiers that cannot be used as
	// storage keys.
	ErrInvalidThreadID = errors.New("invalid thread id")
	// ErrUnsupportedSnapshot is returned when decoding a snapshot written
	// with an unknown format version.
	ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")

	errNilThread = errors.New("cannot save nil thread")
)

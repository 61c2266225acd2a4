package proctor

import "errors"

var (
	// ErrInvalidConfig is returned when an activation contract cannot be used.
	ErrInvalidConfig = errors.New("proctor: invalid configuration")

	// ErrCapabilityUnavailable is returned by a sensor whose platform
	// capability was not provided.
	ErrCapabilityUnavailable = errors.New("proctor: capability unavailable")

	// ErrClosed is returned for operations on a closed detector.
	ErrClosed = errors.New("proctor: detector closed")
)

package trip

import "errors"

var (
	// ErrNotFound covers unknown trip IDs and trips that are no longer active.
	ErrNotFound = errors.New("trip not found")
	// ErrForbidden means the trip belongs to a different subject.
	ErrForbidden = errors.New("trip belongs to another subject")
	// ErrTransient marks retryable persistence failures.
	ErrTransient = errors.New("transient persistence failure")
	// ErrInvalidInput marks malformed requests and samples.
	ErrInvalidInput = errors.New("invalid input")
	// ErrActiveTripExists is returned by Store.Create when the subject
	// already owns an active trip.
	ErrActiveTripExists = errors.New("subject already has an active trip")
)

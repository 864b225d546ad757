package sharing

import "errors"

// The closed set of expected outcomes. Callers match these with errors.Is;
// anything else is an internal failure.
var (
	// ErrNotFound means no record exists for the access code.
	ErrNotFound = errors.New("sharing: file not found")

	// ErrExpired means the record's expiry deadline has passed.
	ErrExpired = errors.New("sharing: file has expired")

	// ErrDownloadLimitExceeded means the download quota is exhausted.
	ErrDownloadLimitExceeded = errors.New("sharing: download limit exceeded")

	// ErrUnauthorized means the caller does not own the record. Anonymous
	// records have no owner and can never pass an ownership check.
	ErrUnauthorized = errors.New("sharing: not the file owner")

	// ErrInvalidInput covers empty uploads and invalid settings values.
	ErrInvalidInput = errors.New("sharing: invalid input")

	// ErrCodeSpaceExhausted means code allocation failed after the retry
	// bound. The code space is large, so hitting this signals an
	// operational anomaly, not routine backpressure.
	ErrCodeSpaceExhausted = errors.New("sharing: access code space exhausted")
)

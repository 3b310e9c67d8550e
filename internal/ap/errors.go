package ap

import "errors"

// Sentinel errors used to classify delivery and fetch outcomes. The
// dispatcher retries transient failures and drops permanent ones.
var (
	// ErrGone means the remote object or actor no longer exists (410).
	ErrGone = errors.New("remote object gone")

	// ErrPermanent means the remote server rejected the request and a
	// retry with the same payload cannot succeed (4xx other than 429).
	ErrPermanent = errors.New("permanent delivery failure")

	// ErrTransient means the delivery may succeed later (5xx, 429,
	// network errors).
	ErrTransient = errors.New("transient delivery failure")
)

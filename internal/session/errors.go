// Package session implements the session-data core: the in-memory bar store
// shared by all workers, the coordinator that drives a trading session
// through its lifecycle, provisioning of symbols and intervals, indicator
// maintenance, data-quality tracking, and strategy dispatch.
package session

import "errors"

// Error kinds. Callers classify failures by errors.Is against these
// sentinels; the wrapped chain carries the detail.
var (
	// ErrConfig marks configuration problems detected at startup.
	ErrConfig = errors.New("config error")

	// ErrValidation marks a provisioning request that failed validation.
	ErrValidation = errors.New("validation error")

	// ErrProvisioning marks a failure while executing provisioning steps.
	ErrProvisioning = errors.New("provisioning error")

	// ErrData marks a permanent data problem (symbol unservable, interval
	// unsupported by every source).
	ErrData = errors.New("data error")

	// ErrTransient marks a retriable failure (fetch timeout, rate limit).
	ErrTransient = errors.New("transient error")

	// ErrInvariant marks a broken internal invariant, such as an
	// out-of-order bar append. These are logged loudly and the offending
	// input is dropped.
	ErrInvariant = errors.New("invariant violation")
)

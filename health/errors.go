package health

import "errors"

var (
	// ErrCheckFailed marks an unhealthy component result.
	ErrCheckFailed = errors.New("health: check failed")

	ErrCheckTimeout    = errors.New("health: check timeout")
	ErrCheckerNotFound = errors.New("health: checker not found")
)

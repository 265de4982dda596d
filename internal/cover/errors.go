package cover

import "errors"

// Domain-specific errors for cover configuration and lookup.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a cover ID does not exist.
	ErrNotFound = errors.New("cover: not found")

	// ErrDuplicateSource is returned when a cover already proxies the
	// same source protocol/address pair.
	ErrDuplicateSource = errors.New("cover: source already mapped")

	// ErrNameRequired is returned when a cover config has no name.
	ErrNameRequired = errors.New("cover: name is required")

	// ErrSourceRequired is returned when the source protocol or address is missing.
	ErrSourceRequired = errors.New("cover: source protocol and address are required")

	// ErrRangeOutOfBounds is returned when a range bound is outside 0-100.
	ErrRangeOutOfBounds = errors.New("cover: range bounds must be between 0 and 100")

	// ErrNegativeThrottle is returned when throttle_ms is negative.
	ErrNegativeThrottle = errors.New("cover: throttle_ms must not be negative")
)

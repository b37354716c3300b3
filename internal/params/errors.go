package params

import "errors"

var (
	// ErrInvalidConfiguration reports a workload or budget that cannot be
	// sized: a non-positive file count, or ceilings too small even at the
	// minimum settings. It is fatal to the run.
	ErrInvalidConfiguration = errors.New("params: invalid configuration")

	// ErrNotInitialized is returned by Store.Get before a successful Set.
	ErrNotInitialized = errors.New("params: parameters not initialized")

	// ErrAlreadyInitialized is returned by a second Store.Set.
	ErrAlreadyInitialized = errors.New("params: parameters already initialized")

	// ErrCapacityExceeded reports a bucket population or comparator working
	// set that would overflow the planned ceilings. Bucketing recovers from
	// it by shedding; callers decide whether it is fatal.
	ErrCapacityExceeded = errors.New("params: capacity exceeded")
)

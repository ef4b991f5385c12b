package upstream

import "errors"

// Sentinel errors distinguishing the two upstream failure kinds callers
// handle specially. Everything else surfaces as a generic wrapped error.
var (
	// ErrRateLimited indicates the provider rejected the call for quota
	// reasons; transient, callers may back off and retry.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrNotAuthorized indicates the provider denied access to the
	// requested slice. The provider sometimes rejects narrow date ranges
	// near access-restriction boundaries while accepting wider ones.
	ErrNotAuthorized = errors.New("upstream not authorized")
)

// IsRateLimited reports whether err is (or wraps) a rate-limit failure.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsNotAuthorized reports whether err is (or wraps) an authorization denial.
func IsNotAuthorized(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}

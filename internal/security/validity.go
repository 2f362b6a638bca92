package security

import "time"

// DefaultExpiryThreshold is how close to exp a token counts as expiring soon.
const DefaultExpiryThreshold = 5 * time.Minute

// Check reports why token is unusable at now: nil when valid, ErrMalformedToken when
// it cannot be decoded or carries no exp, ErrTokenExpired when exp <= now.
func Check(token string, now time.Time) error {
	if token == "" {
		return ErrMalformedToken
	}
	exp, ok := ExpirationInstant(token)
	if !ok {
		return ErrMalformedToken
	}
	if !exp.After(now) {
		return ErrTokenExpired
	}
	return nil
}

// IsValid reports whether token is well-formed and its exp is strictly after now.
func IsValid(token string, now time.Time) bool {
	return Check(token, now) == nil
}

// IsExpiringSoon reports whether token is valid at now and expires within threshold.
// A non-positive threshold uses DefaultExpiryThreshold.
func IsExpiringSoon(token string, now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultExpiryThreshold
	}
	left, ok := TimeUntilExpiry(token, now)
	return ok && left <= threshold
}

// TimeUntilExpiry returns exp - now for a valid token; ok is false otherwise.
func TimeUntilExpiry(token string, now time.Time) (time.Duration, bool) {
	if err := Check(token, now); err != nil {
		return 0, false
	}
	exp, _ := ExpirationInstant(token)
	return exp.Sub(now), true
}

package security

import "time"

// DefaultClockSkewGracePeriod is how long past expiry a record is kept
// before background cleanup removes it. Grant validation never applies it.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt lies more than the default grace
// period before now. A zero expiresAt never expires.
func IsTokenExpired(expiresAt, now time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, now, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod is IsTokenExpired with an explicit grace period.
func IsTokenExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

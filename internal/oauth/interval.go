package oauth

import "time"

const (
	DefaultExpiryBuffer   = 60 * time.Second
	DefaultExpiresIn      = 3600
	DefaultRequestTimeout = 30 * time.Second
)

// ExpiryBuffer converts a configured buffer in seconds, falling back to the default.
func ExpiryBuffer(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultExpiryBuffer
	}
	return time.Duration(seconds) * time.Second
}

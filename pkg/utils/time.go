package utils

import "time"

// Now returns current time (useful for mocking in tests)
var Now = time.Now

// IsExpired checks if a timestamp is expired
func IsExpired(timestamp time.Time, ttl time.Duration) bool {
	return Now().Sub(timestamp) > ttl
}

// Since returns time since given time
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

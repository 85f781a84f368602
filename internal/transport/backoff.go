package transport

import (
	"math"
	"time"
)

const backoffFactor = 1.5

// ReconnectDelay returns base * 1.5^attempt, capped at ceiling when ceiling
// is positive.
func ReconnectDelay(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(base) * math.Pow(backoffFactor, float64(attempt))
	if ceiling > 0 && d > float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

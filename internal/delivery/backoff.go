package delivery

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Backoff computes `min(60s, 1s*2^retryCount) * jitter(0.5..1.5)`, per the
// delivery worker's failure-handling contract. The jitter factor is derived
// deterministically from the message id and retry count (an FNV-1a hash)
// rather than math/rand, so retry schedules are reproducible in tests
// without sacrificing the spread a real jitter provides in production.
func Backoff(messageID string, retryCount int) time.Duration {
	base := time.Second * time.Duration(1<<uint(minInt(retryCount, 6)))
	if base > 60*time.Second {
		base = 60 * time.Second
	}
	factor := jitterFactor(messageID, retryCount)
	return time.Duration(float64(base) * factor)
}

// jitterFactor returns a deterministic value in [0.5, 1.5).
func jitterFactor(messageID string, retryCount int) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%s:%d", messageID, retryCount)))
	sum := h.Sum64()
	// Map the top 32 bits onto [0, 1.0) then shift into [0.5, 1.5).
	frac := float64(sum>>32) / float64(1<<32)
	return 0.5 + frac
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

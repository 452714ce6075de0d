package retry

import "time"

// stagedDelays is the discrete backoff table used for delayed re-attempts of queued items.
var stagedDelays = [...]time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// StagedDelay returns the delay before re-attempt number retryCount (1-based).
// Counts past the end of the table use the last entry.
func StagedDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > len(stagedDelays) {
		return stagedDelays[len(stagedDelays)-1]
	}
	return stagedDelays[retryCount-1]
}

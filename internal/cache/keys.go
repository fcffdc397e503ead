package cache

import (
	"fmt"
)

// EventStream receives every pipeline lifecycle event.
const EventStream = "pipeline-events"

func RunStatusKey(runID string) string {
	return fmt.Sprintf("run:%s:status", runID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// IdempotencyKey scopes a client-supplied Idempotency-Key to the caller and
// the route it was sent to.
func IdempotencyKey(caller, method, path, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", caller, method, path, key)
}

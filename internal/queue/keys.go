package queue

import "fmt"

// Redis key layout. One hash per job keyed by token, a ready list, a zset of
// delayed jobs scored by their due time, a zset of active jobs scored by the
// last heartbeat, and terminal zsets scored by finish time for pruning.
const (
	readyKey     = "docgen:queue"
	delayKey     = "docgen:delay"
	activeKey    = "docgen:active"
	completedKey = "docgen:completed"
	failedKey    = "docgen:failed"
)

func jobKey(token string) string {
	return fmt.Sprintf("docgen:job:%s", token)
}

func dedupKey(token string) string {
	return fmt.Sprintf("docgen:dedup:%s", token)
}

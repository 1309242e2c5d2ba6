package store

import "fmt"

const (
	requestKeyPrefix  = "silt:request:"
	batchKeyPrefix    = "silt:batch:"
	pendingListKey    = "silt:pending"
	activeBatchesKey  = "silt:active_batches"
	wakeTopicPrefix   = "silt:wake:"
	recordTTLSeconds  = 48 * 60 * 60
)

func requestKey(key string) string { return requestKeyPrefix + key }
func batchKey(batchID string) string { return batchKeyPrefix + batchID }
func wakeTopic(key string) string { return wakeTopicPrefix + key }
func pendingSnapshotKey(tick int64) string {
	return fmt.Sprintf("%s:snapshot:%d", pendingListKey, tick)
}

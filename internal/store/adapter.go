// Package store implements the state store adapter: a
// typed view over Redis exposing request records, batch records, the pending
// index, and per-key wake topics, with the atomic primitives the rest of
// silt's components rely on for correctness.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doublewordai/silt/internal/types"
)

// RegisterOutcome is the result of register_new.
type RegisterOutcome int

const (
	Registered RegisterOutcome = iota
	AlreadyExists
)

// ErrStoreUnavailable wraps any underlying Redis error so callers can map it
// to the StoreUnavailable error kind without inspecting driver internals.
type ErrStoreUnavailable struct{ Cause error }

func (e *ErrStoreUnavailable) Error() string { return fmt.Sprintf("store unavailable: %v", e.Cause) }
func (e *ErrStoreUnavailable) Unwrap() error { return e.Cause }

// Store is the typed interface the rest of silt programs against; RedisStore
// is its only production implementation.
type Store interface {
	GetRequest(ctx context.Context, key string) (*types.RequestRecord, error)
	RegisterNew(ctx context.Context, key string, payload types.ChatCompletionRequest) (RegisterOutcome, error)
	TransitionToDispatched(ctx context.Context, keys []string, batchID string) (transitioned []string, err error)
	DrainPending(ctx context.Context, tick int64) ([]string, error)
	SetProcessing(ctx context.Context, batchID string, requestKeys []string) error
	CompleteRequest(ctx context.Context, key string, result *types.ChatCompletionResponse) error
	FailRequest(ctx context.Context, key string, reqErr types.RequestError) error

	GetBatch(ctx context.Context, batchID string) (*types.BatchRecord, error)
	CreateBatch(ctx context.Context, batchID string, keys []string, fileID string) error
	UpdateBatch(ctx context.Context, batchID string, status types.BatchStatus, outputFileID string) error
	ActiveBatchIDs(ctx context.Context) ([]string, error)

	Subscribe(ctx context.Context, key string) *redis.PubSub
}

// RedisStore is the Redis-backed Store implementation.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) GetRequest(ctx context.Context, key string) (*types.RequestRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, requestKey(key)).Result()
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return recordFromFields(key, fields)
}

func (s *RedisStore) RegisterNew(ctx context.Context, key string, payload types.ChatCompletionRequest) (RegisterOutcome, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return AlreadyExists, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := registerNewScript.Run(ctx, s.rdb,
		[]string{requestKey(key), pendingListKey},
		string(payloadJSON), recordTTLSeconds, now, key,
	).Int()
	if err != nil {
		return AlreadyExists, &ErrStoreUnavailable{Cause: err}
	}
	if res == 1 {
		return Registered, nil
	}
	return AlreadyExists, nil
}

func (s *RedisStore) TransitionToDispatched(ctx context.Context, keys []string, batchID string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = requestKey(k)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := transitionDispatchedScript.Run(ctx, s.rdb, redisKeys,
		batchID, now, recordTTLSeconds,
	).StringSlice()
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}

	transitioned := make([]string, 0, len(res))
	for _, rk := range res {
		transitioned = append(transitioned, trimRequestPrefix(rk))
	}
	return transitioned, nil
}

func (s *RedisStore) DrainPending(ctx context.Context, tick int64) ([]string, error) {
	snapshot := pendingSnapshotKey(tick)
	items, err := drainPendingScript.Run(ctx, s.rdb, []string{pendingListKey, snapshot}).StringSlice()
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	// Best-effort cleanup of the snapshot; drain already returned its contents.
	s.rdb.Del(ctx, snapshot)
	return items, nil
}

func (s *RedisStore) SetProcessing(ctx context.Context, batchID string, requestKeys []string) error {
	redisKeys := make([]string, 0, len(requestKeys)+1)
	redisKeys = append(redisKeys, batchKey(batchID))
	for _, k := range requestKeys {
		redisKeys = append(redisKeys, requestKey(k))
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := setProcessingScript.Run(ctx, s.rdb, redisKeys, recordTTLSeconds, now).Result(); err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *RedisStore) CompleteRequest(ctx context.Context, key string, result *types.ChatCompletionResponse) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.terminalTransition(ctx, key, string(types.StatusCompleted), string(data), "result")
}

func (s *RedisStore) FailRequest(ctx context.Context, key string, reqErr types.RequestError) error {
	data, err := json.Marshal(reqErr)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	return s.terminalTransition(ctx, key, string(types.StatusFailed), string(data), "error")
}

func (s *RedisStore) terminalTransition(ctx context.Context, key, status, dataJSON, field string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := completeTerminalScript.Run(ctx, s.rdb,
		[]string{requestKey(key)},
		status, dataJSON, field, now, recordTTLSeconds, wakeTopic(key),
	).Result()
	if err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *RedisStore) GetBatch(ctx context.Context, batchID string) (*types.BatchRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return batchFromFields(batchID, fields)
}

func (s *RedisStore) CreateBatch(ctx context.Context, batchID string, keys []string, fileID string) error {
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshal request keys: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, batchKey(batchID),
		"status", string(types.BatchSubmitted),
		"request_keys", string(keysJSON),
		"upstream_file_id", fileID,
		"upstream_output_file_id", "",
		"created_at", now,
		"last_polled_at", now,
	)
	pipe.Expire(ctx, batchKey(batchID), recordTTLSeconds*time.Second)
	pipe.SAdd(ctx, activeBatchesKey, batchID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *RedisStore) UpdateBatch(ctx context.Context, batchID string, status types.BatchStatus, outputFileID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"status":         string(status),
		"last_polled_at": now,
	}
	if outputFileID != "" {
		fields["upstream_output_file_id"] = outputFileID
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, batchKey(batchID), fields)
	pipe.Expire(ctx, batchKey(batchID), recordTTLSeconds*time.Second)
	if status.IsTerminal() {
		pipe.SRem(ctx, activeBatchesKey, batchID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &ErrStoreUnavailable{Cause: err}
	}
	return nil
}

func (s *RedisStore) ActiveBatchIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activeBatchesKey).Result()
	if err != nil {
		return nil, &ErrStoreUnavailable{Cause: err}
	}
	return ids, nil
}

// Subscribe returns a PubSub for the given key's wake topic. Callers must
// perform the read-after-subscribe re-read the wait loop relies on
// before waiting on Channel(), and must Close() when done.
func (s *RedisStore) Subscribe(ctx context.Context, key string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, wakeTopic(key))
}

func recordFromFields(key string, fields map[string]string) (*types.RequestRecord, error) {
	r := &types.RequestRecord{
		Key:     key,
		Status:  types.RequestStatus(fields["status"]),
		BatchID: fields["batch_id"],
	}
	if err := json.Unmarshal([]byte(fields["payload"]), &r.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if fields["result"] != "" {
		var res types.ChatCompletionResponse
		if err := json.Unmarshal([]byte(fields["result"]), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		r.Result = &res
	}
	if fields["error"] != "" {
		var e types.RequestError
		if err := json.Unmarshal([]byte(fields["error"]), &e); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
		r.Error = &e
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		r.UpdatedAt = t
	}
	return r, nil
}

func batchFromFields(batchID string, fields map[string]string) (*types.BatchRecord, error) {
	b := &types.BatchRecord{
		BatchID:              batchID,
		Status:               types.BatchStatus(fields["status"]),
		UpstreamFileID:       fields["upstream_file_id"],
		UpstreamOutputFileID: fields["upstream_output_file_id"],
	}
	if fields["request_keys"] != "" {
		if err := json.Unmarshal([]byte(fields["request_keys"]), &b.RequestKeys); err != nil {
			return nil, fmt.Errorf("unmarshal request_keys: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		b.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_polled_at"]); err == nil {
		b.LastPolledAt = t
	}
	return b, nil
}

func trimRequestPrefix(redisKey string) string {
	if len(redisKey) > len(requestKeyPrefix) && redisKey[:len(requestKeyPrefix)] == requestKeyPrefix {
		return redisKey[len(requestKeyPrefix):]
	}
	return redisKey
}

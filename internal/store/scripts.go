package store

import "github.com/redis/go-redis/v9"

// Lua scripts implementing the atomic operations the store adapter needs.
// Grounded in the teacher's ratelimit sliding-window script
// (internal/ratelimit/limiter.go): one round trip, one guarantee.

// registerNewScript creates a Queued RequestRecord hash and appends the key to
// the pending list, but only if no record already exists for the key.
// KEYS[1] = request hash key, KEYS[2] = pending list key
// ARGV[1] = payload JSON, ARGV[2] = ttl seconds, ARGV[3] = now RFC3339, ARGV[4] = raw key
// Returns 1 if registered, 0 if a record already existed.
var registerNewScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 1 then
    return 0
end
redis.call('HSET', KEYS[1],
    'status', 'queued',
    'payload', ARGV[1],
    'batch_id', '',
    'result', '',
    'error', '',
    'created_at', ARGV[3],
    'updated_at', ARGV[3]
)
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[4])
return 1
`)

// drainPendingScript atomically renames the pending list to a private
// snapshot key and returns its contents, leaving concurrent producers to
// populate a fresh empty pending list.
// KEYS[1] = pending list key, KEYS[2] = snapshot key
// Returns the drained keys (possibly empty).
var drainPendingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {}
end
redis.call('RENAME', KEYS[1], KEYS[2])
return redis.call('LRANGE', KEYS[2], 0, -1)
`)

// transitionDispatchedScript flips every key in KEYS from Queued to
// Dispatched with the given batch id, skipping any key whose current status
// is not Queued. Returns the subset of KEYS that transitioned.
// ARGV[1] = batch_id, ARGV[2] = now RFC3339, ARGV[3] = ttl seconds
var transitionDispatchedScript = redis.NewScript(`
local transitioned = {}
for i = 1, #KEYS do
    local status = redis.call('HGET', KEYS[i], 'status')
    if status == 'queued' then
        redis.call('HSET', KEYS[i], 'status', 'dispatched', 'batch_id', ARGV[1], 'updated_at', ARGV[2])
        redis.call('EXPIRE', KEYS[i], ARGV[3])
        table.insert(transitioned, KEYS[i])
    end
end
return transitioned
`)

// setProcessingScript advances a batch and all of its request records from
// Dispatched to Processing. Idempotent: records already past Dispatched are
// left untouched.
// KEYS[1] = batch key, KEYS[2..] = request keys
// ARGV[1] = ttl seconds, ARGV[2] = now RFC3339
var setProcessingScript = redis.NewScript(`
local bstatus = redis.call('HGET', KEYS[1], 'status')
if bstatus == 'submitted' then
    redis.call('HSET', KEYS[1], 'status', 'in_progress', 'last_polled_at', ARGV[2])
end
for i = 2, #KEYS do
    local status = redis.call('HGET', KEYS[i], 'status')
    if status == 'dispatched' then
        redis.call('HSET', KEYS[i], 'status', 'processing', 'updated_at', ARGV[2])
        redis.call('EXPIRE', KEYS[i], ARGV[1])
    end
end
return redis.status_reply('OK')
`)

// completeTerminalScript performs the terminal transition for one request
// record and publishes to its wake topic in the same atomic step, so a
// subscriber that reads after observing the publish always sees the
// terminal state. A no-op if the record is already terminal.
// KEYS[1] = request hash key
// ARGV[1] = terminal status ("completed"|"failed")
// ARGV[2] = result/error JSON
// ARGV[3] = field to set ("result"|"error")
// ARGV[4] = now RFC3339, ARGV[5] = ttl seconds, ARGV[6] = wake channel name
// Returns 1 if the transition happened, 0 if the record was already terminal.
var completeTerminalScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'completed' or status == 'failed' then
    return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], ARGV[3], ARGV[2], 'updated_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('PUBLISH', ARGV[6], 'terminal')
return 1
`)

package queue

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Queue Operations
// ─────────────────────────────────────────────

// luaEnqueue inserts the index entry and the job blob together.
//
// KEYS[1] = DISTRIBUTED_QUEUE  (zset)
// KEYS[2] = task:{jobID}       (string – job JSON)
// ARGV[1] = jobID
// ARGV[2] = score
// ARGV[3] = job JSON
//
// Returns: zero-based rank of the new entry.
const luaEnqueue = `
local queueKey = KEYS[1]
local taskKey  = KEYS[2]
local jobID    = ARGV[1]
local score    = tonumber(ARGV[2])

redis.call("SET", taskKey, ARGV[3])
redis.call("ZADD", queueKey, score, jobID)
return redis.call("ZRANK", queueKey, jobID)
`

// luaPop removes the lowest-score entry and its blob.
// Index entries whose blob has gone missing are discarded and the next
// entry is tried, so a caller never receives an id without a payload.
//
// KEYS[1] = DISTRIBUTED_QUEUE
// ARGV[1] = task key prefix ("task:")
//
// Returns: {} when empty, or {jobID, job JSON}.
const luaPop = `
local queueKey = KEYS[1]
local prefix   = ARGV[1]

while true do
    local head = redis.call("ZRANGE", queueKey, 0, 0)
    if #head == 0 then
        return {}
    end
    local jobID = head[1]
    redis.call("ZREM", queueKey, jobID)

    local taskKey = prefix .. jobID
    local blob = redis.call("GET", taskKey)
    if blob then
        redis.call("DEL", taskKey)
        return {jobID, blob}
    end
end
`

// luaRemove deletes an entry and its blob together.
//
// KEYS[1] = DISTRIBUTED_QUEUE
// KEYS[2] = task:{jobID}
// ARGV[1] = jobID
//
// Returns: 1 if the entry was present, 0 otherwise.
const luaRemove = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
return removed
`

// luaBoost lowers the score of an existing entry.
// ZINCRBY alone would create a missing member, so presence is checked first.
//
// KEYS[1] = DISTRIBUTED_QUEUE
// ARGV[1] = jobID
// ARGV[2] = delta (positive; subtracted from the score)
//
// Returns: 1 on success, 0 if the job is not queued.
const luaBoost = `
local queueKey = KEYS[1]
local jobID    = ARGV[1]

if not redis.call("ZSCORE", queueKey, jobID) then
    return 0
end
redis.call("ZINCRBY", queueKey, -tonumber(ARGV[2]), jobID)
return 1
`

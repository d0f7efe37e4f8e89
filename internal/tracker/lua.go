package tracker

// ─────────────────────────────────────────────
// Lua Scripts for the Running-Job Tracker
// ─────────────────────────────────────────────
//
// Every record (placeholder or running) is a hash {job_id, job} with a TTL,
// mirrored into run_task:index scored by its expiry time in unix ms so the
// count can be pruned against the same clock that expires the keys.

// luaRecordPlaceholder writes the pop→submit placeholder.
//
// KEYS[1] = run_task:temp:{jobID}
// KEYS[2] = run_task:index
// ARGV[1] = jobID
// ARGV[2] = job JSON
// ARGV[3] = ttl (ms)
// ARGV[4] = expiry (unix ms)
const luaRecordPlaceholder = `
redis.call("HSET", KEYS[1], "job_id", ARGV[1], "job", ARGV[2])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[3]))
redis.call("ZADD", KEYS[2], tonumber(ARGV[4]), KEYS[1])
return 1
`

// luaPromote replaces the placeholder with the externally-keyed record.
//
// KEYS[1] = run_task:{promptID}
// KEYS[2] = run_task:temp:{jobID}
// KEYS[3] = run_job:{jobID}
// KEYS[4] = run_task:index
// ARGV[1] = jobID
// ARGV[2] = job JSON
// ARGV[3] = ttl (ms)
// ARGV[4] = expiry (unix ms)
// ARGV[5] = promptID
const luaPromote = `
local runKey     = KEYS[1]
local tempKey    = KEYS[2]
local pointerKey = KEYS[3]
local indexKey   = KEYS[4]
local ttl        = tonumber(ARGV[3])

redis.call("HSET", runKey, "job_id", ARGV[1], "job", ARGV[2])
redis.call("PEXPIRE", runKey, ttl)
redis.call("ZADD", indexKey, tonumber(ARGV[4]), runKey)
redis.call("SET", pointerKey, ARGV[5], "PX", ttl)

redis.call("DEL", tempKey)
redis.call("ZREM", indexKey, tempKey)
return 1
`

// luaTake atomically removes a running record and returns its job JSON.
//
// KEYS[1] = run_task:{promptID}
// KEYS[2] = run_task:index
// ARGV[1] = run_job: prefix
// ARGV[2] = promptID
//
// Returns: job JSON, or false if the record is absent.
const luaTake = `
local runKey   = KEYS[1]
local indexKey = KEYS[2]

redis.call("ZREM", indexKey, runKey)
local fields = redis.call("HMGET", runKey, "job_id", "job")
if not fields[2] then
    return false
end
redis.call("DEL", runKey)

local pointerKey = ARGV[1] .. fields[1]
if redis.call("GET", pointerKey) == ARGV[2] then
    redis.call("DEL", pointerKey)
end
return fields[2]
`

// luaRemoveKey deletes one record and its index entry.
//
// KEYS[1] = record key
// KEYS[2] = run_task:index
const luaRemoveKey = `
redis.call("ZREM", KEYS[2], KEYS[1])
return redis.call("DEL", KEYS[1])
`

// luaCount prunes expired index members and counts the rest.
//
// KEYS[1] = run_task:index
// ARGV[1] = now (unix ms)
const luaCount = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`

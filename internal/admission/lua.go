package admission

// luaReleaseLock deletes the lock only if it still holds our token.
//
// KEYS[1] = lock key
// ARGV[1] = owner token
const luaReleaseLock = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// luaInitSemaphore records the capacity and creates the permit counter
// only if it does not exist yet, so a redeploy keeps in-flight permits.
// When the capacity grows the counter gains the difference; when it
// shrinks an existing counter above the new capacity is clamped down.
//
// KEYS[1] = TASK_RUN_SEMAPHORE
// KEYS[2] = TASK_RUN_SEMAPHORE:capacity
// ARGV[1] = capacity
//
// Returns: 1 if the counter was created, 0 if it already existed.
const luaInitSemaphore = `
local capacity = tonumber(ARGV[1])
local previous = tonumber(redis.call("GET", KEYS[2]) or "0")
redis.call("SET", KEYS[2], capacity)

local created = redis.call("SETNX", KEYS[1], capacity)
if created == 0 then
    if previous > 0 and capacity > previous then
        redis.call("INCRBY", KEYS[1], capacity - previous)
    end
    local current = tonumber(redis.call("GET", KEYS[1]))
    if current > capacity then
        redis.call("SET", KEYS[1], capacity)
    end
end
return created
`

// luaAcquirePermit takes one permit if any is available.
//
// KEYS[1] = TASK_RUN_SEMAPHORE
//
// Returns: 1 if acquired, 0 otherwise.
const luaAcquirePermit = `
local available = tonumber(redis.call("GET", KEYS[1]) or "0")
if available <= 0 then
    return 0
end
redis.call("DECR", KEYS[1])
return 1
`

// luaReleasePermit returns one permit, never exceeding capacity.
//
// KEYS[1] = TASK_RUN_SEMAPHORE
// KEYS[2] = TASK_RUN_SEMAPHORE:capacity
//
// Returns: 1 if released, 0 if the pool was already full.
const luaReleasePermit = `
local available = tonumber(redis.call("GET", KEYS[1]) or "0")
local capacity  = tonumber(redis.call("GET", KEYS[2]) or "0")
if available >= capacity then
    return 0
end
redis.call("INCR", KEYS[1])
return 1
`

package queue

import "github.com/redis/go-redis/v9"

// Every mutation that touches both the per-player session hash and a pool's
// waiting list runs as a single server-evaluated script. Concurrent callers
// never observe a player WAITING but absent from the queue, or queued with a
// status other than WAITING.

// KEYS[1] session hash, KEYS[2] queue list, KEYS[3] last-admission key
// ARGV[1] nickname, ARGV[2] now (unix ms), ARGV[3] session ttl seconds, ARGV[4] player id
// The session records which pool holds the player so a cancel against any
// other pool stays a no-op.
var enterQueueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'IN_GAME' then
  return 'ALREADY_IN_GAME'
end
if status == 'WAITING' then
  return 'DUPLICATE_ENTRY'
end
redis.call('HSET', KEYS[1], 'status', 'WAITING')
redis.call('HSET', KEYS[1], 'nickname', ARGV[1])
redis.call('HSET', KEYS[1], 'joinedAt', ARGV[2])
redis.call('HSET', KEYS[1], 'pool', KEYS[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[4])
redis.call('SET', KEYS[3], ARGV[2])
return ARGV[4]
`)

// KEYS[1] queue list
// ARGV[1] group size
// Pops exactly ARGV[1] entries in FIFO order, or nothing at all.
var extractGroupScript = redis.NewScript(`
local n = tonumber(ARGV[1])
if redis.call('LLEN', KEYS[1]) < n then
  return {}
end
local ids = {}
for i = 1, n do
  ids[i] = redis.call('LPOP', KEYS[1])
end
return ids
`)

// KEYS[1] queue list
// ARGV[1] max group size
// Backfill variant: pops up to ARGV[1] entries.
var extractUpToScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local ids = {}
for i = 1, n do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    break
  end
  ids[i] = id
end
return ids
`)

// KEYS[1] session hash, KEYS[2] queue list
// ARGV[1] player id
// A WAITING player held by a different pool is NOT_QUEUED here, untouched.
// Only within the player's own pool does a missing list entry mean the
// extraction race, which forces IDLE.
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'IN_GAME' then
  return 'ALREADY_IN_GAME'
end
if status ~= 'WAITING' then
  return 'NOT_QUEUED'
end
if redis.call('HGET', KEYS[1], 'pool') ~= KEYS[2] then
  return 'NOT_QUEUED'
end
local removed = redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'IDLE')
if removed == 0 then
  return 'ALREADY_MATCHED_BY_WORKER'
end
return 'CANCELLED'
`)

// KEYS[1] queue list
// ARGV[1] session key prefix, ARGV[2..] player ids in original queue order
// Re-inserts at the head, preserving relative order, and restores WAITING.
var rollbackScript = redis.NewScript(`
for i = #ARGV, 2, -1 do
  redis.call('LPUSH', KEYS[1], ARGV[i])
  redis.call('HSET', ARGV[1] .. ARGV[i], 'status', 'WAITING')
end
return #ARGV - 1
`)

// KEYS[1] session hash
// ARGV[1] session ttl seconds
var recoverStaleScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'IN_GAME' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'IDLE')
redis.call('EXPIRE', KEYS[1], ARGV[1])
return 1
`)

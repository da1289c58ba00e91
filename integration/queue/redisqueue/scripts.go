package redisqueue

import "github.com/redis/go-redis/v9"

// Script return codes shared by the mutation scripts.
const (
	codeOK        = 1
	codeNotFound  = -1
	codeActive    = -2
	codeNotActive = -3
	codeDuplicate = -4
)

// luaHelpers is prepended to every script that orders waiting jobs.
// The waiting score packs (1000-priority) and a per-queue sequence into one
// number built as a string, so Lua never formats it with exponent notation.
const luaHelpers = `
local function wscore(p, s)
  local seq = tostring(s)
  return tostring(1000 - (tonumber(p) or 0)) .. string.rep('0', 12 - #seq) .. seq
end

local function promote(delayedKey, waitingKey, seqKey, prefix, now)
  local due = redis.call('ZRANGEBYSCORE', delayedKey, '-inf', now, 'LIMIT', 0, 1000)
  for _, id in ipairs(due) do
    redis.call('ZREM', delayedKey, id)
    local p = redis.call('HGET', prefix .. id, 'priority')
    local s = redis.call('INCR', seqKey)
    redis.call('ZADD', waitingKey, wscore(p, s), id)
    redis.call('HSET', prefix .. id, 'state', 'waiting')
  end
  return #due
end
`

// addScript stores a job hash and indexes it as waiting or delayed.
// KEYS: job, waiting, delayed, seq
// ARGV: id, state, priority, runAt, field/value pairs...
var addScript = redis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -4
end
for i = 5, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[2] == 'waiting' then
  local s = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], wscore(ARGV[3], s), ARGV[1])
else
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
end
return 1
`)

// promoteScript moves due delayed jobs to waiting.
// KEYS: waiting, delayed, seq
// ARGV: now, jobPrefix
var promoteScript = redis.NewScript(luaHelpers + `
return promote(KEYS[2], KEYS[1], KEYS[3], ARGV[2], ARGV[1])
`)

// claimScript promotes due delayed jobs, then moves the best waiting job to active.
// KEYS: waiting, delayed, active, seq
// ARGV: now, lockUntil, jobPrefix
var claimScript = redis.NewScript(luaHelpers + `
promote(KEYS[2], KEYS[1], KEYS[4], ARGV[3], ARGV[1])
local top = redis.call('ZRANGE', KEYS[1], 0, 0)
if #top == 0 then
  return false
end
local id = top[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', ARGV[3] .. id, 'state', 'active', 'locked_until', ARGV[2], 'processed_at', ARGV[1])
return id
`)

// completeScript marks an active job completed.
// KEYS: job, active, completed
// ARGV: id, now, result
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return -3
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'completed', 'result', ARGV[3], 'progress', '100',
  'failed_reason', '', 'locked_until', '', 'finished_at', ARGV[2])
return 1
`)

// failScript records a failed attempt. An empty retryAt finalizes the job.
// KEYS: job, active, delayed, failed
// ARGV: id, now, reason, retryAt
var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return -3
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
redis.call('HSET', KEYS[1], 'failed_reason', ARGV[3], 'locked_until', '')
if ARGV[4] == '' then
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
  redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[2])
else
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'run_at', ARGV[4])
end
return 1
`)

// retryScript moves a non-active job back to waiting.
// KEYS: job, waiting, delayed, active, completed, failed, seq
// ARGV: id, now
var retryScript = redis.NewScript(luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
  return -2
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
local p = redis.call('HGET', KEYS[1], 'priority')
local s = redis.call('INCR', KEYS[7])
redis.call('ZADD', KEYS[2], wscore(p, s), ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'waiting', 'run_at', ARGV[2], 'finished_at', '')
return 1
`)

// removeScript deletes a job. With ARGV[2] == '1' active jobs are refused.
// KEYS: job, waiting, delayed, active, completed, failed
// ARGV: id, guardActive
var removeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if ARGV[2] == '1' and redis.call('ZSCORE', KEYS[4], ARGV[1]) then
  return -2
end
for i = 2, 6 do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
redis.call('DEL', KEYS[1])
return 1
`)

// touchActiveScript updates a field of an active job; lock extensions also
// move the active index score.
// KEYS: job, active
// ARGV: id, field, value
var touchActiveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return -3
end
if ARGV[2] == 'locked_until' then
  redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
return 1
`)

// recoverScript returns active jobs with expired locks to waiting.
// KEYS: waiting, active, seq
// ARGV: now, jobPrefix
var recoverScript = redis.NewScript(luaHelpers + `
local stalled = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[2], id)
  local p = redis.call('HGET', ARGV[2] .. id, 'priority')
  local s = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[1], wscore(p, s), id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting', 'locked_until', '')
end
return #stalled
`)

// trimScript enforces retention on completed and failed jobs.
// KEYS: completed, failed
// ARGV: completedCutoff, completedMax, failedCutoff, jobPrefix (empty cutoff or zero max disables a rule)
var trimScript = redis.NewScript(`
local removed = 0
local function drop(key, ids)
  for _, id in ipairs(ids) do
    redis.call('ZREM', key, id)
    redis.call('DEL', ARGV[4] .. id)
    removed = removed + 1
  end
end
if ARGV[1] ~= '' then
  drop(KEYS[1], redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1]))
end
local max = tonumber(ARGV[2]) or 0
if max > 0 then
  local n = redis.call('ZCARD', KEYS[1])
  if n > max then
    drop(KEYS[1], redis.call('ZRANGE', KEYS[1], 0, n - max - 1))
  end
end
if ARGV[3] ~= '' then
  drop(KEYS[2], redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[3]))
end
return removed
`)

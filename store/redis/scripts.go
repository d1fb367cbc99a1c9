package redis

import goredis "github.com/redis/go-redis/v9"

// Every script derives "now" from the server clock in milliseconds.
const luaNow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local function ms(v) return string.format('%.0f', v) end
`

// insertScript creates a task unless one already exists.
//
//	KEYS: task hash, partition set, resource set
//	ARGV: task id, next delay ms, field/value pairs...
var insertScript = goredis.NewScript(luaNow + `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local run = now + tonumber(ARGV[2])
local fields = {}
for i = 3, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', KEYS[1], 'created_at', ms(now), 'updated_at', ms(now), 'next_run_at', ms(run), unpack(fields))
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return {now, run}
`)

// updateScript records the outcome of an execution held under the
// owner's claim. Returns -1 when missing and 0 when the claim is lost.
//
//	KEYS: task hash
//	ARGV: owner, next delay ms, field/value pairs...
var updateScript = goredis.NewScript(luaNow + `
local f = redis.call('HMGET', KEYS[1], 'status', 'claim_owner')
if not f[1] then return -1 end
if f[1] ~= 'executing' or f[2] ~= ARGV[1] then return 0 end
local run = now + tonumber(ARGV[2])
local fields = {}
for i = 3, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', KEYS[1], 'updated_at', ms(now), 'next_run_at', ms(run), unpack(fields))
return {now, run}
`)

// claimTaskScript claims one task regardless of next_run_at.
// Returns -1 when missing, 0 when not claimable and 1 when claimed.
//
//	KEYS: task hash
//	ARGV: owner, lease ms
var claimTaskScript = goredis.NewScript(luaNow + `
local f = redis.call('HMGET', KEYS[1], 'status', 'claim_owner', 'updated_at')
if not f[1] then return -1 end
local free = (f[1] == 'init' or f[1] == 'retrying') and (not f[2] or f[2] == '')
local expired = f[1] == 'executing' and tonumber(f[3]) < now - tonumber(ARGV[2])
if not (free or expired) then return 0 end
redis.call('HSET', KEYS[1], 'claim_owner', ARGV[1], 'status', 'executing', 'updated_at', ms(now))
return 1
`)

// claimRunnableScript claims up to limit due tasks of a resource, oldest
// next_run_at first, and returns the ids of every task the owner holds.
//
//	KEYS: resource set
//	ARGV: task key prefix, owner, limit, lease ms
var claimRunnableScript = goredis.NewScript(luaNow + `
local ids = redis.call('SMEMBERS', KEYS[1])
local limit = tonumber(ARGV[3])
local lease = tonumber(ARGV[4])
local cands = {}
if limit > 0 then
	for _, id in ipairs(ids) do
		local f = redis.call('HMGET', ARGV[1] .. id, 'status', 'claim_owner', 'next_run_at', 'updated_at', 'created_at')
		if f[1] then
			local free = (f[1] == 'init' or f[1] == 'retrying') and (not f[2] or f[2] == '') and tonumber(f[3]) <= now
			local expired = f[1] == 'executing' and tonumber(f[4]) < now - lease
			if free or expired then
				cands[#cands + 1] = {id, tonumber(f[3]), tonumber(f[5])}
			end
		end
	end
	table.sort(cands, function(a, b)
		if a[2] ~= b[2] then return a[2] < b[2] end
		if a[3] ~= b[3] then return a[3] < b[3] end
		return a[1] < b[1]
	end)
	for i = 1, math.min(limit, #cands) do
		redis.call('HSET', ARGV[1] .. cands[i][1], 'claim_owner', ARGV[2], 'status', 'executing', 'updated_at', ms(now))
	end
end
local held = {}
for _, id in ipairs(ids) do
	local f = redis.call('HMGET', ARGV[1] .. id, 'status', 'claim_owner')
	if f[1] == 'executing' and f[2] == ARGV[2] then held[#held + 1] = id end
end
return held
`)

// requeueScript moves a failed or unrecognized task back to retrying.
// Returns -1 when missing, 0 when the status forbids it and 1 on success.
//
//	KEYS: task hash
var requeueScript = goredis.NewScript(luaNow + `
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'failed' and st ~= 'unrecognized' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'retrying', 'claim_owner', '', 'next_delay_ms', '0',
	'next_run_at', ms(now), 'updated_at', ms(now))
return 1
`)

var scripts = []*goredis.Script{
	insertScript,
	updateScript,
	claimTaskScript,
	claimRunnableScript,
	requeueScript,
}

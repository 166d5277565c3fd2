// Copyright 2025 James Ross
package queuestore

import "github.com/redis/go-redis/v9"

// scripts holds the six atomic QS primitives as redis.Script values built
// once at construction, mirroring advanced-rate-limiting's initLuaScripts.
// Every script except removeRunning increments its own counter key in the
// same round trip as its main work so observability never costs an extra
// network call; removeRunning issues only the ZREM and bumps no counter.
type scripts struct {
	dequeue            *redis.Script
	checkin            *redis.Script
	removeRunning      *redis.Script
	pushPending        *redis.Script
	pushPendingDelayed *redis.Script
	reclaimExpired     *redis.Script
}

func newScripts() *scripts {
	return &scripts{
		dequeue: redis.NewScript(`
			local pending = KEYS[1]
			local running = KEYS[2]
			local counter = KEYS[3]
			local now = tonumber(ARGV[1])
			local lease_ttl = tonumber(ARGV[2])

			local token = redis.call('LPOP', pending)
			if not token then
				return false
			end
			redis.call('ZADD', running, now + lease_ttl, token)
			redis.call('INCR', counter)
			return token
		`),
		checkin: redis.NewScript(`
			local running = KEYS[1]
			local counter = KEYS[2]
			local token = ARGV[1]
			local now = tonumber(ARGV[2])
			local lease_ttl = tonumber(ARGV[3])

			local existed = redis.call('ZSCORE', running, token)
			redis.call('ZADD', running, now + lease_ttl, token)
			redis.call('INCR', counter)
			if existed then
				return 1
			end
			return 0
		`),
		removeRunning: redis.NewScript(`
			local running = KEYS[1]
			local token = ARGV[1]
			return redis.call('ZREM', running, token)
		`),
		pushPending: redis.NewScript(`
			local pending = KEYS[1]
			local counter = KEYS[2]
			local token = ARGV[1]
			redis.call('RPUSH', pending, token)
			redis.call('INCR', counter)
			return 1
		`),
		pushPendingDelayed: redis.NewScript(`
			local delayed = KEYS[1]
			local counter = KEYS[2]
			local token = ARGV[1]
			local due = tonumber(ARGV[2])
			redis.call('ZADD', delayed, due, token)
			redis.call('INCR', counter)
			return 1
		`),
		reclaimExpired: redis.NewScript(`
			local running = KEYS[1]
			local pending = KEYS[2]
			local delayed = KEYS[3]
			local counter = KEYS[4]
			local now = tonumber(ARGV[1])

			local reclaimed = redis.call('ZRANGEBYSCORE', running, 0, now)
			for _, token in ipairs(reclaimed) do
				redis.call('ZREM', running, token)
				redis.call('RPUSH', pending, token)
			end

			local due = redis.call('ZRANGEBYSCORE', delayed, 0, now)
			for _, token in ipairs(due) do
				redis.call('ZREM', delayed, token)
				local sep = string.find(token, "@[^@]*$")
				local body = sep and string.sub(token, 1, sep - 1) or token
				local immediate = string.gsub(body, "^DELAYED_JOB::", "JOB::")
				redis.call('RPUSH', pending, immediate)
			end

			local total = #reclaimed + #due
			if total > 0 then
				redis.call('INCRBY', counter, total)
			end
			return total
		`),
	}
}

package main

import "github.com/redis/go-redis/v9"

// The hot path runs entirely inside Redis. One script execution is atomic, so
// rate limit, duplicate check, campaign window and stock decrement cannot
// interleave with a competing buyer.
//
// KEYS: 1 stock, 2 start, 3 end, 4 users, 5 rate counter
// ARGV: 1 userId, 2 now (unix seconds), 3 rate limit, 4 rate window seconds,
//       5 rate limiting enabled ("1"/"0")
var reserveScript = redis.NewScript(`
if ARGV[5] == "1" then
  local hits = redis.call("INCR", KEYS[5])
  if hits == 1 then
    redis.call("EXPIRE", KEYS[5], ARGV[4])
  end
  if hits > tonumber(ARGV[3]) then
    return "RATE_LIMITED"
  end
end

if redis.call("SISMEMBER", KEYS[4], ARGV[1]) == 1 then
  return "ALREADY_PURCHASED"
end

local startAt = redis.call("GET", KEYS[2])
local endAt = redis.call("GET", KEYS[3])
if not startAt or not endAt then
  return "NOT_FOUND"
end

local now = tonumber(ARGV[2])
if now < tonumber(startAt) or now > tonumber(endAt) then
  return "NOT_ACTIVE"
end

local stock = tonumber(redis.call("GET", KEYS[1]) or "0")
if stock <= 0 then
  return "OUT_OF_STOCK"
end

redis.call("DECR", KEYS[1])
redis.call("SADD", KEYS[4], ARGV[1])
return "OK"
`)

// Release returns a cancelled win to the pool. The increment is tied to the
// set removal, so replaying the same release cannot inflate stock.
//
// KEYS: 1 stock, 2 users
// ARGV: 1 userId, 2 quantity
var releaseScript = redis.NewScript(`
local removed = redis.call("SREM", KEYS[2], ARGV[1])
if removed == 1 then
  redis.call("INCRBY", KEYS[1], ARGV[2])
  return "RELEASED"
end
return "ALREADY_RELEASED"
`)

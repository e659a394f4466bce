package presence

import "github.com/redis/go-redis/v9"

const (
	keyOnline          = "mx:presence:online"
	keySocketPrefix    = "mx:presence:socket:"
	keyUserPrefix      = "mx:presence:user:"
	keyLastSeenPrefix  = "mx:presence:last_seen:"
	keyAppearPrefix    = "mx:presence:appear_offline:"
	keyAnnouncedPrefix = "mx:presence:announced:"
	keyVersionPrefix   = "mx:presence:version:"
	keyTypingPrefix    = "mx:typing:"
)

func socketKey(connID string) string { return keySocketPrefix + connID }
func socketsKey(userID string) string { return keyUserPrefix + userID + ":sockets" }
func lastSeenKey(userID string) string { return keyLastSeenPrefix + userID }
func appearKey(userID string) string { return keyAppearPrefix + userID }
func announcedKey(userID string) string { return keyAnnouncedPrefix + userID }
func versionKey(userID string) string { return keyVersionPrefix + userID }
func typingKey(conversation string) string { return keyTypingPrefix + conversation }

// pruneLua drops members of the set in KEYS[2] whose socket record (prefix ARGV[1])
// has expired. It is shared by the scripts that recount a user's connections.
const pruneLua = `
local function prune(sockets, prefix)
  for _, id in ipairs(redis.call('SMEMBERS', sockets)) do
    if redis.call('EXISTS', prefix .. id) == 0 then
      redis.call('SREM', sockets, id)
    end
  end
end
`

// registerScript adds a connection to the user's set. Only the call that puts the
// user into the online set reports first=1, and a call only announces when the
// audience was not already told the user is online.
//
// KEYS: socket, sockets, online, appear_offline, announced, last_seen
// ARGV: userId, connId, socketTTLms, nowMs, lastSeenTTLms, socketPrefix
// returns {first, announce, count, appearOffline}
var registerScript = redis.NewScript(pruneLua + `
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
prune(KEYS[2], ARGV[6])
local added = redis.call('SADD', KEYS[2], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
local count = redis.call('SCARD', KEYS[2])
local appear = redis.call('EXISTS', KEYS[4])
local first = 0
local announce = 0
if added == 1 and count == 1 then
  if redis.call('SADD', KEYS[3], ARGV[1]) == 1 then
    first = 1
  end
  if appear == 0 and redis.call('GET', KEYS[5]) ~= '1' then
    announce = 1
    redis.call('SET', KEYS[5], '1')
  end
end
if appear == 0 then
  redis.call('SET', KEYS[6], ARGV[4], 'PX', ARGV[5])
end
return {first, announce, count, appear}
`)

// offlineLua flips a user with no connections left out of the online set. Only
// the caller whose SREM succeeds reports the edge.
const offlineLua = `
local function goOffline(uid, online, appear, announced, lastSeen, nowMs, lastSeenTTL)
  if redis.call('SREM', online, uid) == 0 then
    return 0, 0
  end
  if redis.call('EXISTS', appear) == 0 then
    redis.call('SET', lastSeen, nowMs, 'PX', lastSeenTTL)
  end
  local announce = 0
  if redis.call('GET', announced) == '1' then
    announce = 1
  end
  redis.call('SET', announced, '0')
  return 1, announce
end
`

// unregisterScript removes a connection. The owner comes from the socket record,
// or from ARGV[8] when the record already expired. Per-user keys are derived from
// prefixes because the owner is only known inside the script.
//
// KEYS: socket, online
// ARGV: connId, userKeyPrefix, appearPrefix, announcedPrefix, lastSeenPrefix, nowMs, lastSeenTTLms, ownerHint, socketPrefix
// returns {userId, last, announce, count}
var unregisterScript = redis.NewScript(pruneLua + offlineLua + `
local uid = redis.call('GET', KEYS[1])
if not uid then
  uid = ARGV[8]
end
if uid == '' then
  return {'', 0, 0, 0}
end
redis.call('DEL', KEYS[1])
local sockets = ARGV[2] .. uid .. ':sockets'
redis.call('SREM', sockets, ARGV[1])
prune(sockets, ARGV[9])
local count = redis.call('SCARD', sockets)
local last = 0
local announce = 0
if count == 0 then
  last, announce = goOffline(uid, KEYS[2], ARGV[3] .. uid, ARGV[4] .. uid, ARGV[5] .. uid, ARGV[6], ARGV[7])
end
return {uid, last, announce, count}
`)

// touchScript extends a live connection and its owner's set.
//
// KEYS: socket
// ARGV: userKeyPrefix, socketTTLms
// returns 1 when the connection is still registered
var touchScript = redis.NewScript(`
local uid = redis.call('GET', KEYS[1])
if not uid then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', ARGV[1] .. uid .. ':sockets', ARGV[2])
return 1
`)

// purgeScript prunes one user's expired connections and takes the user offline
// when none are left, in a single step so a concurrent register cannot interleave.
//
// KEYS: sockets, online, appear_offline, announced, last_seen
// ARGV: userId, socketPrefix, nowMs, lastSeenTTLms
// returns {offline, announce}
var purgeScript = redis.NewScript(pruneLua + offlineLua + `
prune(KEYS[1], ARGV[2])
if redis.call('SCARD', KEYS[1]) > 0 then
  return {0, 0}
end
local offline, announce = goOffline(ARGV[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], ARGV[3], ARGV[4])
return {offline, announce}
`)

// appearApplyScript writes the override and bumps the toggle version.
//
// KEYS: appear_offline, version, sockets, last_seen
// ARGV: flag ("1"|"0"), nowMs, lastSeenTTLms
// returns {version, count}
var appearApplyScript = redis.NewScript(`
local count = redis.call('SCARD', KEYS[3])
if ARGV[1] == '1' then
  if count > 0 and redis.call('EXISTS', KEYS[1]) == 0 then
    redis.call('SET', KEYS[4], ARGV[2], 'PX', ARGV[3])
  end
  redis.call('SET', KEYS[1], '1')
else
  redis.call('DEL', KEYS[1])
end
local v = redis.call('INCR', KEYS[2])
return {v, count}
`)

// appearClaimScript lets the most recent toggle announce the visible state, and only
// when it differs from what the audience was last told.
//
// KEYS: version, appear_offline, sockets, announced
// ARGV: version
// returns {announce, visible}
var appearClaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return {0, -1}
end
local visible = 0
if redis.call('SCARD', KEYS[3]) > 0 and redis.call('EXISTS', KEYS[2]) == 0 then
  visible = 1
end
local prev = 0
if redis.call('GET', KEYS[4]) == '1' then
  prev = 1
end
if prev == visible then
  return {0, visible}
end
redis.call('SET', KEYS[4], tostring(visible))
return {1, visible}
`)

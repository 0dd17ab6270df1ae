package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Command-queue key layout, per device:
//
//	cmd:<device>:pending   ZSET  score = priority*1e13 + seq (priority asc, FIFO within)
//	cmd:<device>:claimed   ZSET  score = visible-until (unix ms)
//	cmd:<device>:completed LIST  bounded recent history
//	cmd:<device>:seq       INCR  insertion counter
//	cmd:<cmd-id>           JSON  command record (claim token stored hashed)
//	cmd:devices            SET   devices with queue activity, scanned by the reaper
//
// Claim, verify-and-complete, extend, and expire each run as one Lua script
// so two callers can never observe the same pending entry. The queue layer
// holds no locks of its own; the broker serializes everything.

const queueDevicesKey = "cmd:devices"

func queueRecordKey(id string) string        { return "cmd:" + id }
func queuePendingKey(device string) string   { return "cmd:" + device + ":pending" }
func queueClaimedKey(device string) string   { return "cmd:" + device + ":claimed" }
func queueCompletedKey(device string) string { return "cmd:" + device + ":completed" }
func queueSeqKey(device string) string       { return "cmd:" + device + ":seq" }

// Verdicts returned by the conditional scripts.
const (
	VerdictOK               = "OK"
	VerdictNotFound         = "NOT_FOUND"
	VerdictAlreadyCompleted = "ALREADY_COMPLETED"
	VerdictInvalidClaim     = "INVALID_CLAIM"
)

var enqueueScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local rec = cjson.decode(ARGV[1])
rec.seq = seq
redis.call('SET', KEYS[3], cjson.encode(rec))
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) * 1e13 + seq, ARGV[3])
redis.call('SADD', KEYS[4], ARGV[4])
return seq
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
local out = {}
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[4] .. id
  local raw = redis.call('GET', key)
  if raw then
    n = n + 1
    local rec = cjson.decode(raw)
    rec.status = 'claimed'
    rec.claimTokenHash = redis.sha1hex(ARGV[4 + n])
    rec.visibleUntil = tonumber(ARGV[2])
    rec.claimedAt = tonumber(ARGV[3])
    local enc = cjson.encode(rec)
    redis.call('SET', key, enc)
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), id)
    table.insert(out, enc)
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

var completeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return {'NOT_FOUND'} end
local rec = cjson.decode(raw)
if rec.deviceId ~= ARGV[2] then return {'NOT_FOUND'} end
if rec.status ~= 'claimed' then return {'ALREADY_COMPLETED'} end
if rec.claimTokenHash ~= redis.sha1hex(ARGV[1]) then return {'INVALID_CLAIM'} end
rec.status = ARGV[3]
rec.result = cjson.decode(ARGV[4])
rec.completedAt = tonumber(ARGV[5])
rec.claimTokenHash = nil
rec.visibleUntil = nil
local enc = cjson.encode(rec)
redis.call('SET', KEYS[1], enc)
redis.call('ZREM', KEYS[2], ARGV[7])
redis.call('LPUSH', KEYS[3], ARGV[7])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[6]) - 1)
return {'OK', enc}
`)

var extendScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return {'NOT_FOUND'} end
local rec = cjson.decode(raw)
if rec.deviceId ~= ARGV[2] then return {'NOT_FOUND'} end
if rec.status ~= 'claimed' then return {'NOT_FOUND'} end
if rec.claimTokenHash ~= redis.sha1hex(ARGV[1]) then return {'INVALID_CLAIM'} end
rec.visibleUntil = tonumber(ARGV[3])
local enc = cjson.encode(rec)
redis.call('SET', KEYS[1], enc)
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[4])
return {'OK', enc}
`)

var expireScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  local raw = redis.call('GET', key)
  if raw then
    local rec = cjson.decode(raw)
    if rec.status == 'claimed' then
      rec.status = 'pending'
      rec.claimTokenHash = nil
      rec.visibleUntil = nil
      rec.claimedAt = nil
      redis.call('SET', key, cjson.encode(rec))
      redis.call('ZADD', KEYS[2], rec.priority * 1e13 + rec.seq, id)
      n = n + 1
    end
  end
end
return n
`)

// QueueEnqueue atomically stores the command record and inserts it into the
// device's pending set. The record must marshal to a JSON object carrying
// deviceId, priority, and status fields.
func (c *Client) QueueEnqueue(ctx context.Context, device, id string, priority int, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal command %s: %w", id, err)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()
	return enqueueScript.Run(ctx, c.rdb,
		[]string{queueSeqKey(device), queuePendingKey(device), queueRecordKey(id), queueDevicesKey},
		string(data), priority, id, device,
	).Err()
}

// QueueClaim atomically moves up to len(tokens) entries from pending to
// claimed, attaching one token per entry (stored hashed). Returns the
// updated record JSON in claim order.
func (c *Client) QueueClaim(ctx context.Context, device string, visibleUntil, now time.Time, tokens []string) ([]json.RawMessage, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	argv := make([]any, 0, 4+len(tokens))
	argv = append(argv, len(tokens), visibleUntil.UnixMilli(), now.UnixMilli(), "cmd:")
	for _, tok := range tokens {
		argv = append(argv, tok)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()
	res, err := claimScript.Run(ctx, c.rdb,
		[]string{queuePendingKey(device), queueClaimedKey(device)}, argv...,
	).Slice()
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(res))
	for _, v := range res {
		if s, ok := v.(string); ok {
			out = append(out, json.RawMessage(s))
		}
	}
	return out, nil
}

// QueueComplete runs the verify-and-complete transition. finalStatus is
// "completed" or "failed". The verdict distinguishes not-found, stale
// status, and token mismatch; the record JSON is returned on OK.
func (c *Client) QueueComplete(ctx context.Context, device, id, token, finalStatus string, result any, now time.Time, historyLimit int) (string, json.RawMessage, error) {
	resultData, err := json.Marshal(result)
	if err != nil {
		return "", nil, fmt.Errorf("marshal result for %s: %w", id, err)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()
	res, err := completeScript.Run(ctx, c.rdb,
		[]string{queueRecordKey(id), queueClaimedKey(device), queueCompletedKey(device)},
		token, device, finalStatus, string(resultData), now.UnixMilli(), historyLimit, id,
	).Slice()
	if err != nil {
		return "", nil, err
	}
	return scriptVerdict(res)
}

// QueueExtend runs the verify-and-extend transition on a claimed command.
func (c *Client) QueueExtend(ctx context.Context, device, id, token string, visibleUntil time.Time) (string, json.RawMessage, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	res, err := extendScript.Run(ctx, c.rdb,
		[]string{queueRecordKey(id), queueClaimedKey(device)},
		token, device, visibleUntil.UnixMilli(), id,
	).Slice()
	if err != nil {
		return "", nil, err
	}
	return scriptVerdict(res)
}

// QueueExpire moves every claimed entry whose lease passed back to pending,
// preserving the original priority/insertion ordering. Returns the count.
func (c *Client) QueueExpire(ctx context.Context, device string, now time.Time) (int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	n, err := expireScript.Run(ctx, c.rdb,
		[]string{queueClaimedKey(device), queuePendingKey(device)},
		now.UnixMilli(), "cmd:",
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// QueueDevices lists devices the reaper should scan.
func (c *Client) QueueDevices(ctx context.Context) ([]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.rdb.SMembers(ctx, queueDevicesKey).Result()
}

// QueueGet loads a command record into dst. Returns ErrNotFound when absent.
func (c *Client) QueueGet(ctx context.Context, id string, dst any) error {
	return c.Get(ctx, queueRecordKey(id), dst)
}

func scriptVerdict(res []any) (string, json.RawMessage, error) {
	if len(res) == 0 {
		return "", nil, fmt.Errorf("empty script reply")
	}
	verdict, ok := res[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected script reply %T", res[0])
	}
	if len(res) > 1 {
		if s, ok := res[1].(string); ok {
			return verdict, json.RawMessage(s), nil
		}
	}
	return verdict, nil, nil
}

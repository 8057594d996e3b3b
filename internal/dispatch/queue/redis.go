package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"autopost/internal/item"
)

// Redis layout (prefix defaults to "autopost:dispatch:"):
//
//	{prefix}ready      sorted set, member item id, score ready time (unix ms)
//	{prefix}job:{id}   hash: rev, attempt, nb
type Redis struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedis(client goredis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "autopost:dispatch:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (q *Redis) readyKey() string { return q.prefix + "ready" }
func (q *Redis) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *Redis) jobPrefix() string { return q.prefix + "job:" }

// KEYS[1] ready zset; ARGV: now, leaseUntil, limit, jobPrefix.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  local h = redis.call('HMGET', ARGV[4] .. id, 'rev', 'attempt', 'nb')
  if h[1] then
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    table.insert(out, id)
    table.insert(out, h[1])
    table.insert(out, h[2] or '0')
    table.insert(out, h[3] or '0')
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

// KEYS[1] ready zset, KEYS[2] job hash; ARGV: id, rev.
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'rev') == ARGV[2] then
  redis.call('DEL', KEYS[2])
  redis.call('ZREM', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// KEYS[1] ready zset, KEYS[2] job hash; ARGV: id, rev, notBefore.
var nackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'rev') == ARGV[2] then
  redis.call('HINCRBY', KEYS[2], 'attempt', 1)
  redis.call('HSET', KEYS[2], 'nb', ARGV[3])
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

func (q *Redis) Put(ctx context.Context, j Job) error {
	nb := j.NotBefore.UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(j.ItemID), "rev", j.Revision, "attempt", 0, "nb", nb)
	pipe.ZAdd(ctx, q.readyKey(), goredis.Z{Score: float64(nb), Member: j.ItemID})
	if _, err := pipe.Exec(ctx); err != nil {
		return item.Unavailable("queue put", err)
	}
	return nil
}

func (q *Redis) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey()},
		now.UnixMilli(), now.Add(lease).UnixMilli(), limit, q.jobPrefix()).StringSlice()
	if err != nil {
		return nil, item.Unavailable("queue claim", err)
	}
	out := make([]Job, 0, len(res)/4)
	for i := 0; i+3 < len(res); i += 4 {
		rev, _ := strconv.ParseInt(res[i+1], 10, 64)
		attempt, _ := strconv.Atoi(res[i+2])
		nb, _ := strconv.ParseInt(res[i+3], 10, 64)
		out = append(out, Job{ItemID: res[i], Revision: rev, Attempt: attempt, NotBefore: time.UnixMilli(nb).UTC()})
	}
	sortJobs(out)
	return out, nil
}

func (q *Redis) Ack(ctx context.Context, itemID string, revision int64) error {
	err := ackScript.Run(ctx, q.client, []string{q.readyKey(), q.jobKey(itemID)}, itemID, strconv.FormatInt(revision, 10)).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return item.Unavailable("queue ack", err)
	}
	return nil
}

func (q *Redis) Nack(ctx context.Context, j Job, notBefore time.Time) error {
	err := nackScript.Run(ctx, q.client, []string{q.readyKey(), q.jobKey(j.ItemID)},
		j.ItemID, strconv.FormatInt(j.Revision, 10), notBefore.UnixMilli()).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return item.Unavailable("queue nack", err)
	}
	return nil
}

func (q *Redis) Remove(ctx context.Context, itemID string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.jobKey(itemID))
	pipe.ZRem(ctx, q.readyKey(), itemID)
	if _, err := pipe.Exec(ctx); err != nil {
		return item.Unavailable("queue remove", err)
	}
	return nil
}

func (q *Redis) NextReady(ctx context.Context) (time.Time, bool, error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.readyKey(), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, item.Unavailable("queue next", err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)).UTC(), true, nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, item.Unavailable("queue len", err)
	}
	return int(n), nil
}

func (q *Redis) Close() error { return q.client.Close() }

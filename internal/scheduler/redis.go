// README: Durable task store: Redis sorted set scored by fire time plus one hash per task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pangea/internal/types"
)

const (
	taskQueueKey  = "pangea:tasks"
	taskKeyPrefix = "pangea:task:%s"
)

// claimScript leases the task only if its score still equals the fire time
// the caller saw, so a re-scheduled task is never claimed by a stale reader.
// The lease is the new score: an unsettled task becomes due again at it.
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], 'fire_at', ARGV[3])
redis.call('HINCRBY', KEYS[2], 'attempts', 1)
return 1
`)

// settleScript removes or re-queues a leased task unless it was rescheduled
// or cancelled while the handler ran.
var settleScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
if ARGV[3] == '' then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('DEL', KEYS[2])
  return 1
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], 'fire_at', ARGV[3], 'attempts', ARGV[4])
return 1
`)

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) Put(ctx context.Context, t Task) error {
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), taskFields(t))
	pipe.ZAdd(ctx, taskQueueKey, redis.Z{Score: float64(t.FireAt.UnixMilli()), Member: t.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, taskQueueKey, id)
	pipe.Del(ctx, taskKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (Task, bool, error) {
	vals, err := s.redis.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return Task{}, false, err
	}
	if len(vals) == 0 {
		return Task{}, false, nil
	}
	t, err := decodeTask(id, vals)
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.redis.ZRangeByScore(ctx, taskQueueKey, opt).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			// Claimed or removed between the two reads.
			continue
		}
		t, err := decodeTask(ids[i], vals)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) Claim(ctx context.Context, t Task, leaseUntil time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, s.redis, []string{taskQueueKey, taskKey(t.ID)},
		t.ID, t.FireAt.UnixMilli(), leaseUntil.UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Settle(ctx context.Context, t Task, leasedUntil, next time.Time) (bool, error) {
	nextScore := ""
	if !next.IsZero() {
		nextScore = strconv.FormatInt(next.UnixMilli(), 10)
	}
	n, err := settleScript.Run(ctx, s.redis, []string{taskQueueKey, taskKey(t.ID)},
		t.ID, leasedUntil.UnixMilli(), nextScore, t.Attempts).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Next(ctx context.Context) (time.Time, bool, error) {
	res, err := s.redis.ZRangeWithScores(ctx, taskQueueKey, 0, 0).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(res) == 0) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(res[0].Score)), true, nil
}

func taskFields(t Task) map[string]interface{} {
	return map[string]interface{}{
		"kind":     string(t.Kind),
		"subject":  string(t.Subject),
		"fire_at":  strconv.FormatInt(t.FireAt.UnixMilli(), 10),
		"attempts": strconv.Itoa(t.Attempts),
	}
}

func decodeTask(id string, vals map[string]string) (Task, error) {
	ms, err := strconv.ParseInt(vals["fire_at"], 10, 64)
	if err != nil {
		return Task{}, fmt.Errorf("decode task %s fire_at: %w", id, err)
	}
	attempts, _ := strconv.Atoi(vals["attempts"])
	return Task{
		ID:       id,
		Kind:     Kind(vals["kind"]),
		Subject:  types.ID(vals["subject"]),
		FireAt:   time.UnixMilli(ms),
		Attempts: attempts,
	}, nil
}

func taskKey(id string) string {
	return fmt.Sprintf(taskKeyPrefix, id)
}

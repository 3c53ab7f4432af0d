// README: Open-request store backed by Redis hashes and a per-pool sorted set keyed by last activity.
package group

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pangea/internal/types"
)

var ErrRequestNotFound = errors.New("request not found")

// RequestStore holds requesters that have not been placed in a group yet.
type RequestStore interface {
	Put(ctx context.Context, r *Request) error
	Get(ctx context.Context, uid types.ID) (*Request, error)
	// Waiting lists waiting requests in the pool whose last activity is at or after since.
	Waiting(ctx context.Context, restaurant, location string, since time.Time) ([]*Request, error)
	MarkGrouped(ctx context.Context, uid, groupID types.ID) error
	Remove(ctx context.Context, uid types.ID) error
	// Prune drops pool entries whose last activity is before the cutoff.
	Prune(ctx context.Context, restaurant, location string, before time.Time) error
}

const (
	requestKeyPrefix = "pangea:request:%s"
	poolKeyPrefix    = "pangea:pool:%s"
	// Requests are abandoned after minutes; the TTL only reclaims memory.
	requestTTL = 24 * time.Hour
)

type RedisRequestStore struct {
	redis *redis.Client
}

func NewRedisRequestStore(client *redis.Client) *RedisRequestStore {
	return &RedisRequestStore{redis: client}
}

func (s *RedisRequestStore) Put(ctx context.Context, r *Request) error {
	key := requestKey(r.UserID)
	pool := poolKey(r.Restaurant, r.Location)
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":        string(r.UserID),
		"restaurant":     r.Restaurant,
		"location":       r.Location,
		"requested_time": r.RequestedTime,
		"status":         string(r.Status),
		"group_id":       string(r.GroupID),
		"created_at":     strconv.FormatInt(r.CreatedAt.UnixMilli(), 10),
		"last_activity":  strconv.FormatInt(r.LastActivity.UnixMilli(), 10),
	})
	pipe.Expire(ctx, key, requestTTL)
	if r.Status == RequestWaiting {
		pipe.ZAdd(ctx, pool, redis.Z{Score: float64(r.LastActivity.UnixMilli()), Member: string(r.UserID)})
	} else {
		pipe.ZRem(ctx, pool, string(r.UserID))
	}
	pipe.Expire(ctx, pool, requestTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisRequestStore) Get(ctx context.Context, uid types.ID) (*Request, error) {
	vals, err := s.redis.HGetAll(ctx, requestKey(uid)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrRequestNotFound
	}
	return decodeRequest(vals)
}

func (s *RedisRequestStore) Waiting(ctx context.Context, restaurant, location string, since time.Time) ([]*Request, error) {
	ids, err := s.redis.ZRangeByScore(ctx, poolKey(restaurant, location), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, requestKey(types.ID(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	pool := PoolKey(restaurant, location)
	out := make([]*Request, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		r, err := decodeRequest(vals)
		if err != nil {
			return nil, err
		}
		if r.Status == RequestWaiting && PoolKey(r.Restaurant, r.Location) == pool {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RedisRequestStore) MarkGrouped(ctx context.Context, uid, groupID types.ID) error {
	r, err := s.Get(ctx, uid)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, requestKey(uid), "status", string(RequestGrouped), "group_id", string(groupID))
	pipe.ZRem(ctx, poolKey(r.Restaurant, r.Location), string(uid))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRequestStore) Remove(ctx context.Context, uid types.ID) error {
	r, err := s.Get(ctx, uid)
	if errors.Is(err, ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, requestKey(uid))
	pipe.ZRem(ctx, poolKey(r.Restaurant, r.Location), string(uid))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRequestStore) Prune(ctx context.Context, restaurant, location string, before time.Time) error {
	return s.redis.ZRemRangeByScore(ctx, poolKey(restaurant, location),
		"-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Err()
}

func decodeRequest(vals map[string]string) (*Request, error) {
	created, err := strconv.ParseInt(vals["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode request created_at: %w", err)
	}
	last, err := strconv.ParseInt(vals["last_activity"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode request last_activity: %w", err)
	}
	return &Request{
		UserID:        types.ID(vals["user_id"]),
		Restaurant:    vals["restaurant"],
		Location:      vals["location"],
		RequestedTime: vals["requested_time"],
		Status:        RequestStatus(vals["status"]),
		GroupID:       types.ID(vals["group_id"]),
		CreatedAt:     time.UnixMilli(created),
		LastActivity:  time.UnixMilli(last),
	}, nil
}

func requestKey(uid types.ID) string {
	return fmt.Sprintf(requestKeyPrefix, string(uid))
}

func poolKey(restaurant, location string) string {
	return fmt.Sprintf(poolKeyPrefix, PoolKey(restaurant, location))
}

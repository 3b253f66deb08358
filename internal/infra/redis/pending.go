package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/triage/internal/core/domain"
)

// PendingStore persists interrupted delayed reruns. The sorted set is scored
// by due time so List returns the earliest first; payloads live in a hash.
type PendingStore struct {
	c *Client
}

func NewPendingStore(c *Client) *PendingStore {
	return &PendingStore{c: c}
}

func (s *PendingStore) Put(ctx context.Context, p *domain.PendingRetry) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending retry: %w", err)
	}

	_, err = s.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, pendingDataKey, p.RunID, data)
		pipe.ZAdd(ctx, pendingIndexKey, redis.Z{
			Score:  float64(p.DueAt.Unix()),
			Member: p.RunID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store pending retry %s: %w", p.RunID, err)
	}
	return nil
}

func (s *PendingStore) Delete(ctx context.Context, runID string) error {
	_, err := s.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, pendingIndexKey, runID)
		pipe.HDel(ctx, pendingDataKey, runID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete pending retry %s: %w", runID, err)
	}
	return nil
}

func (s *PendingStore) List(ctx context.Context) ([]*domain.PendingRetry, error) {
	ids, err := s.c.rdb.ZRange(ctx, pendingIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.c.rdb.HMGet(ctx, pendingDataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget failed: %w", err)
	}

	out := make([]*domain.PendingRetry, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without payload; fall back to what the score tells us.
			score, err := s.c.rdb.ZScore(ctx, pendingIndexKey, ids[i]).Result()
			if err != nil {
				continue
			}
			out = append(out, &domain.PendingRetry{RunID: ids[i], DueAt: time.Unix(int64(score), 0)})
			continue
		}
		var p domain.PendingRetry
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode pending retry %s: %w", ids[i], err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// RunLocker claims run ids with SETNX so that replicas sharing a Redis never
// triage the same run at the same time.
type RunLocker struct {
	c *Client
}

func NewRunLocker(c *Client) *RunLocker {
	return &RunLocker{c: c}
}

func (l *RunLocker) Claim(ctx context.Context, runID string, ttl time.Duration) (bool, error) {
	ok, err := l.c.rdb.SetNX(ctx, claimKey(runID), "claimed", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

func (l *RunLocker) Release(ctx context.Context, runID string) error {
	return l.c.rdb.Del(ctx, claimKey(runID)).Err()
}

// RetryReservations keep in-flight retries in a sorted set per pipeline,
// scored by expiry in unix milliseconds. Count prunes expired members.
type RetryReservations struct {
	c   *Client
	now func() time.Time
}

func NewRetryReservations(c *Client) *RetryReservations {
	return &RetryReservations{c: c, now: time.Now}
}

func (r *RetryReservations) Reserve(ctx context.Context, pipelineName, runID string, ttl time.Duration) error {
	err := r.c.rdb.ZAdd(ctx, inflightKey(pipelineName), redis.Z{
		Score:  float64(r.now().Add(ttl).UnixMilli()),
		Member: runID,
	}).Err()
	if err != nil {
		return fmt.Errorf("reserve retry %s: %w", runID, err)
	}
	return nil
}

func (r *RetryReservations) Release(ctx context.Context, pipelineName, runID string) error {
	return r.c.rdb.ZRem(ctx, inflightKey(pipelineName), runID).Err()
}

func (r *RetryReservations) Count(ctx context.Context, pipelineName string) (int, error) {
	key := inflightKey(pipelineName)
	var card *redis.IntCmd
	_, err := r.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(r.now().UnixMilli(), 10))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count reservations for %s: %w", pipelineName, err)
	}
	return int(card.Val()), nil
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/telemetry"
)

// Redis stores snapshots in a shared redis so several agent instances
// behind one user account warm each other's caches. Entries expire via
// TTL; the retention sweep only has to handle the index set.
type Redis struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

const redisIndexKey = "dmsync:threads"

func OpenRedis(addr, password string, db int, limit int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, limit: limit, ttl: ttl}, nil
}

func redisKey(threadID models.Ident) string {
	return "dmsync:thread:" + threadID.String() + ":snapshot"
}

func (r *Redis) Hydrate(ctx context.Context, threadID models.Ident) (Snapshot, error) {
	raw, err := r.client.Get(ctx, redisKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		telemetry.CacheOps.WithLabelValues("miss").Inc()
		return Snapshot{}, ErrMiss
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("cache read: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil || snap.Thread.ID != threadID {
		logger.Warn("cache_snapshot_discarded", "thread", threadID, "error", err)
		r.client.Del(ctx, redisKey(threadID))
		telemetry.CacheOps.WithLabelValues("discard").Inc()
		return Snapshot{}, ErrMiss
	}
	telemetry.CacheOps.WithLabelValues("hit").Inc()
	return snap, nil
}

func (r *Redis) Persist(ctx context.Context, snap Snapshot) error {
	if snap.Thread.ID.IsZero() {
		return fmt.Errorf("snapshot missing thread id")
	}
	snap.Messages = Trim(snap.Messages, r.limit)
	if snap.SavedAt == "" {
		snap.SavedAt = models.NowStamp()
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisKey(snap.Thread.ID), b, r.ttl)
	pipe.SAdd(ctx, redisIndexKey, snap.Thread.ID.String())
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Drop(ctx context.Context, threadID models.Ident) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisKey(threadID))
	pipe.SRem(ctx, redisIndexKey, threadID.String())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Threads(ctx context.Context) ([]models.Ident, error) {
	ids, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Ident, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Ident(id))
	}
	return out, nil
}

func (r *Redis) Close() error { return r.client.Close() }

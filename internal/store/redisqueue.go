package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/companyid/internal/model"
)

const defaultRedisPrefix = "companyid:pending:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// RedisQueue implements PendingQueue on Redis so several resolver instances
// can share one queue. Entries live in a hash keyed by ID; a list keeps
// their enqueue order.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "redis: connect %s", cfg.Addr)
	}
	return NewRedisQueueWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) entriesKey() string { return q.prefix + "entries" }
func (q *RedisQueue) orderKey() string   { return q.prefix + "order" }

func (q *RedisQueue) EnqueuePending(ctx context.Context, entries []model.PendingLookup) error {
	if len(entries) == 0 {
		return nil
	}

	fields := make([]any, 0, len(entries)*2)
	ids := make([]any, 0, len(entries))
	for _, e := range entries {
		e = withPendingDefaults(e)
		data, err := json.Marshal(e)
		if err != nil {
			return eris.Wrapf(err, "redis: marshal pending %s", e.ID)
		}
		fields = append(fields, e.ID, data)
		ids = append(ids, e.ID)
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.entriesKey(), fields...)
		pipe.RPush(ctx, q.orderKey(), ids...)
		return nil
	})
	return eris.Wrap(err, "redis: enqueue pending")
}

func (q *RedisQueue) ListPending(ctx context.Context, limit int) ([]model.PendingLookup, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, q.orderKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis: list pending ids")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := q.client.HMGet(ctx, q.entriesKey(), ids...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis: list pending entries")
	}

	out := make([]model.PendingLookup, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Order list and hash drifted apart; skip the orphaned ID.
			continue
		}
		var e model.PendingLookup
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, eris.Wrapf(err, "redis: unmarshal pending %s", ids[i])
		}
		if e.Status == model.PendingStatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *RedisQueue) RemovePending(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, q.entriesKey(), id)
		pipe.LRem(ctx, q.orderKey(), 0, id)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "redis: remove pending %s", id)
	}
	if del.Val() == 0 {
		return eris.Errorf("redis: pending lookup not found: %s", id)
	}
	return nil
}

func (q *RedisQueue) CountPending(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, q.entriesKey()).Result()
	if err != nil {
		return 0, eris.Wrap(err, "redis: count pending")
	}
	return int(n), nil
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ PendingQueue = (*RedisQueue)(nil)

package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"iiot-gateway/internal/buffering/application"
)

const (
	defaultKeyPrefix = "buffer:"
	maxWatchRetries  = 100
)

var (
	errNilClient    = errors.New("buffering: redis client is nil")
	errWatchRetries = errors.New("buffering: too many concurrent modifications")
)

// QueueStore keeps each destination as a Redis list of entry ids with a hash
// from id to entry body. Multi-key changes run in MULTI/EXEC, guarded by
// WATCH where they read first.
type QueueStore struct {
	client *goredis.Client
	prefix string
}

// Option customizes the store.
type Option func(*QueueStore)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *QueueStore) {
		s.prefix = prefix
	}
}

// NewQueueStore wraps an existing client.
func NewQueueStore(client *goredis.Client, opts ...Option) (*QueueStore, error) {
	if client == nil {
		return nil, errNilClient
	}
	store := &QueueStore{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func (s *QueueStore) queueKey(destination string) string {
	return s.prefix + "queue:" + destination
}

func (s *QueueStore) entriesKey(destination string) string {
	return s.prefix + "entries:" + destination
}

// Push implements application.QueueStore.
func (s *QueueStore) Push(ctx context.Context, destination, id string, data []byte) error {
	if s == nil || s.client == nil {
		return errNilClient
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.entriesKey(destination), id, data)
		pipe.RPush(ctx, s.queueKey(destination), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push %s: %w", destination, err)
	}
	return nil
}

// Range implements application.QueueStore.
func (s *QueueStore) Range(ctx context.Context, destination string, limit int) ([]application.Record, error) {
	if s == nil || s.client == nil {
		return nil, errNilClient
	}
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.LRange(ctx, s.queueKey(destination), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", destination, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, s.entriesKey(destination), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", destination, err)
	}
	records := make([]application.Record, 0, len(ids))
	for i, id := range ids {
		record := application.Record{ID: id}
		if i < len(values) {
			if value, ok := values[i].(string); ok {
				record.Data = []byte(value)
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// PopOldest implements application.QueueStore.
func (s *QueueStore) PopOldest(ctx context.Context, destination string, n int) (int, error) {
	if s == nil || s.client == nil {
		return 0, errNilClient
	}
	if n <= 0 {
		return 0, nil
	}
	queueKey := s.queueKey(destination)
	entriesKey := s.entriesKey(destination)

	var removed int
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		removed = 0
		ids, err := tx.LRange(ctx, queueKey, 0, int64(n-1)).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.LTrim(ctx, queueKey, int64(len(ids)), -1)
			pipe.HDel(ctx, entriesKey, ids...)
			return nil
		})
		if err != nil {
			return err
		}
		removed = len(ids)
		return nil
	}, queueKey)
	if err != nil {
		return 0, fmt.Errorf("redis pop %s: %w", destination, err)
	}
	return removed, nil
}

// Update implements application.QueueStore.
func (s *QueueStore) Update(ctx context.Context, destination, id string, fn application.UpdateFunc) (bool, error) {
	if s == nil || s.client == nil {
		return false, errNilClient
	}
	queueKey := s.queueKey(destination)
	entriesKey := s.entriesKey(destination)

	var found bool
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		found = false
		data, err := tx.HGet(ctx, entriesKey, id).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		next, remove, err := fn(data)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if remove {
				pipe.LRem(ctx, queueKey, 1, id)
				pipe.HDel(ctx, entriesKey, id)
				return nil
			}
			pipe.HSet(ctx, entriesKey, id, next)
			return nil
		})
		if err != nil {
			return err
		}
		found = true
		return nil
	}, queueKey, entriesKey)
	if err != nil {
		return false, fmt.Errorf("redis update %s/%s: %w", destination, id, err)
	}
	return found, nil
}

// Len implements application.QueueStore.
func (s *QueueStore) Len(ctx context.Context, destination string) (int, error) {
	if s == nil || s.client == nil {
		return 0, errNilClient
	}
	n, err := s.client.LLen(ctx, s.queueKey(destination)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len %s: %w", destination, err)
	}
	return int(n), nil
}

// Clear implements application.QueueStore.
func (s *QueueStore) Clear(ctx context.Context, destination string) (int, error) {
	if s == nil || s.client == nil {
		return 0, errNilClient
	}
	var size *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		size = pipe.LLen(ctx, s.queueKey(destination))
		pipe.Del(ctx, s.queueKey(destination), s.entriesKey(destination))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis clear %s: %w", destination, err)
	}
	return int(size.Val()), nil
}

func (s *QueueStore) watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return err
	}
	return errWatchRetries
}

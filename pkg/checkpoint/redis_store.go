package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefixCheckpoints = "council:checkpoints:"
	keyPrefixLatest      = "council:latest:"
	keyPrefixLock        = "council:lock:"
)

func checkpointKey(threadID string, step int) string {
	return fmt.Sprintf("%s%s:%d", keyPrefixCheckpoints, threadID, step)
}

func latestKey(threadID string) string {
	return keyPrefixLatest + threadID
}

// RedisStore is a network checkpoint store backed by Redis, used when
// multiple orchestrator nodes need to share state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps client for checkpoint persistence. ttl is the
// expiry applied to stored checkpoint keys; zero means no expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Initialize checks connectivity with a PING; Redis has no schema to create.
func (s *RedisStore) Initialize(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save writes cp under its step key and updates the thread's latest
// pointer to the new step.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	payload, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, checkpointKey(cp.ThreadID, cp.Step), payload, s.ttl)
	pipe.Set(ctx, latestKey(cp.ThreadID), strconv.Itoa(cp.Step), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint: redis save: %w", err)
	}
	return nil
}

// Load returns the checkpoint at the thread's latest recorded step.
func (s *RedisStore) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	stepStr, err := s.client.Get(ctx, latestKey(threadID)).Result()
	if err == redis.Nil {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: redis load latest pointer: %w", err)
	}
	step, err := strconv.Atoi(stepStr)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: redis load: corrupt latest pointer: %w", err)
	}
	return s.LoadAtStep(ctx, threadID, step)
}

// LoadAtStep returns the checkpoint for threadID at the given step.
func (s *RedisStore) LoadAtStep(ctx context.Context, threadID string, step int) (Checkpoint, error) {
	payload, err := s.client.Get(ctx, checkpointKey(threadID, step)).Bytes()
	if err == redis.Nil {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: redis load: %w", err)
	}
	return decodeCheckpoint(payload)
}

// ListCheckpoints scans for every checkpoint key under threadID. Redis has
// no native ordered index here, so results are sorted by step after scan.
func (s *RedisStore) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	pattern := fmt.Sprintf("%s%s:*", keyPrefixCheckpoints, threadID)
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: redis list: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis list: mget: %w", err)
	}
	out := make([]Checkpoint, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		cp, err := decodeCheckpoint([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortCheckpointsByStep(out)
	return out, nil
}

func sortCheckpointsByStep(cps []Checkpoint) {
	for i := 1; i < len(cps); i++ {
		for j := i; j > 0 && cps[j-1].Step > cps[j].Step; j-- {
			cps[j-1], cps[j] = cps[j], cps[j-1]
		}
	}
}

// DeleteThread removes every checkpoint key and the latest pointer for
// threadID.
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	pattern := fmt.Sprintf("%s%s:*", keyPrefixCheckpoints, threadID)
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("checkpoint: redis delete: scan: %w", err)
	}
	keys = append(keys, latestKey(threadID))
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("checkpoint: redis delete: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)

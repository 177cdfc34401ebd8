package track

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relay:job:"

// DefaultTTL bounds how long an undelivered record can linger when the
// engine never reports completion for it.
const DefaultTTL = 24 * time.Hour

// RedisStore tracks jobs in Redis so correlation survives a relay
// restart while a job is still executing on the engine.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. A zero ttl falls back to DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Record(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, keyPrefix+job.PromptID, data, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.PromptID)
	}
	return nil
}

func (s *RedisStore) Resolve(ctx context.Context, promptID string) (Job, error) {
	data, err := s.client.Get(ctx, keyPrefix+promptID).Bytes()
	if err == redis.Nil {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, promptID)
	}
	if err != nil {
		return Job{}, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (s *RedisStore) Remove(ctx context.Context, promptID string) error {
	return s.client.Del(ctx, keyPrefix+promptID).Err()
}

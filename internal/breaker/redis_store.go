package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/EmmaGHimself/payment/pkg/redis"
)

const keyPrefix = "circuit_breaker:"

// RedisStore keeps breaker state in Redis so it is shared across workers
// and self-expires with the reset timeout.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*BreakerState, error) {
	data, err := s.client.Get(ctx, keyPrefix+key)
	if errors.Is(err, redis.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state BreakerState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// CompareAndSet swaps the stored state only if it still equals old, using
// a WATCH-based optimistic transaction. old == nil requires the key to be
// absent.
func (s *RedisStore) CompareAndSet(ctx context.Context, key string, old, next *BreakerState, ttl time.Duration) (bool, error) {
	fullKey := keyPrefix + key

	data, err := json.Marshal(next)
	if err != nil {
		return false, err
	}

	var oldData []byte
	if old != nil {
		if oldData, err = json.Marshal(old); err != nil {
			return false, err
		}
	}

	swapped := false
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Result()
		switch {
		case err == goredis.Nil:
			if old != nil {
				return nil
			}
		case err != nil:
			return err
		default:
			if old == nil || current != string(oldData) {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, fullKey, data, ttl)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, fullKey)

	if err == goredis.TxFailedErr {
		return false, nil
	}
	return swapped, err
}

package signal

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore backs the replay window with redis SET NX + TTL so dedupe
// survives restarts and is shared across pipeline instances.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "signal_nonce"}
}

func (s *RedisNonceStore) key(accountID, nonce string) string {
	return s.prefix + ":" + accountID + ":" + nonce
}

func (s *RedisNonceStore) Register(ctx context.Context, accountID, nonce, signalID string, window time.Duration) (string, bool, error) {
	key := s.key(accountID, nonce)

	created, err := s.client.SetNX(ctx, key, signalID, window).Result()
	if err != nil {
		return "", false, err
	}
	if created {
		return signalID, true, nil
	}

	existing, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Expired between SetNX and Get; the window has passed, treat the
		// signal as new.
		if err := s.client.Set(ctx, key, signalID, window).Err(); err != nil {
			return "", false, err
		}
		return signalID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (s *RedisNonceStore) Seen(ctx context.Context, accountID, nonce string) (string, bool, error) {
	existing, err := s.client.Get(ctx, s.key(accountID, nonce)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, true, nil
}

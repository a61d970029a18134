// Package redis stores pending ceremony challenges in Redis. Expiry is left
// to Redis TTLs and a take is a single GETDEL, so a challenge is handed out
// at most once even across server instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/robokop/oneid"
)

// DefaultKeyPrefix is prepended to every challenge key
const DefaultKeyPrefix = "oneid:challenge:"

// ChallengeStore implements oneid.ChallengeStore on a Redis client
type ChallengeStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewChallengeStore wraps a Redis client. An empty prefix uses DefaultKeyPrefix.
func NewChallengeStore(client redis.Cmdable, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ChallengeStore{client: client, prefix: prefix, now: time.Now}
}

// NewClient parses a redis:// URL and verifies connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *ChallengeStore) key(kind oneid.CeremonyKind, scopeKey string) string {
	return s.prefix + string(kind) + ":" + scopeKey
}

func (s *ChallengeStore) PutChallenge(ctx context.Context, c *oneid.Challenge) error {
	key := s.key(c.Kind, c.ScopeKey)

	var ttl time.Duration
	if !c.ExpiresAt.IsZero() {
		ttl = c.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			// already expired: behave as if it was issued and then lapsed
			return s.client.Del(ctx, key).Err()
		}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("put challenge %s: %w", key, err)
	}
	return nil
}

func (s *ChallengeStore) TakeChallenge(ctx context.Context, kind oneid.CeremonyKind, scopeKey string) (*oneid.Challenge, error) {
	key := s.key(kind, scopeKey)
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oneid.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take challenge %s: %w", key, err)
	}

	var c oneid.Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode challenge %s: %w", key, err)
	}
	return &c, nil
}

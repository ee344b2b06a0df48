package vcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/model"
)

// RedisCache stores one JSON verdict per email key with the freshness
// window enforced by key TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a RedisCache from cache configuration.
func NewRedis(cfg config.CacheConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	return &RedisCache{client: client, ttl: cfg.TTL()}
}

func verdictKey(email string) string {
	return "verdict:" + email
}

func (c *RedisCache) LookupMany(ctx context.Context, emails []string) (map[string]model.Verdict, error) {
	if len(emails) == 0 {
		return map[string]model.Verdict{}, nil
	}

	keys := make([]string, len(emails))
	for i, email := range emails {
		keys[i] = verdictKey(email)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis: mget verdicts")
	}

	out := make(map[string]model.Verdict, len(emails))
	for i, raw := range vals {
		if raw == nil {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var v model.Verdict
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			// A corrupt entry is a miss, not a failure.
			continue
		}
		out[emails[i]] = v
	}
	return out, nil
}

func (c *RedisCache) PutMany(ctx context.Context, verdicts []model.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, v := range verdicts {
		if v.ObservedAt == 0 {
			v.ObservedAt = time.Now().Unix()
		}
		data, err := json.Marshal(v)
		if err != nil {
			return eris.Wrapf(err, "redis: marshal verdict %s", v.Email)
		}
		pipe.Set(ctx, verdictKey(v.Email), data, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return eris.Wrap(err, "redis: write back")
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

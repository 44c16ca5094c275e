package redis

import (
	"context"
	"encoding/json"
	"time"

	"shelfmate/internal/domain/user"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/repository"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache key pattern: user:{user_id}, holds the public profile.

const DefaultProfileTTL = 5 * time.Minute

// ProfileCache is a read-through cache of user profiles in front of a
// UserRepository. Profiles are read on every send to fetch the peer key.
type ProfileCache struct {
	repository.UserRepository
	client *goredis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewProfileCache(next repository.UserRepository, client *goredis.Client, ttl time.Duration, logger *zap.Logger) *ProfileCache {
	if ttl == 0 {
		ttl = DefaultProfileTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileCache{
		UserRepository: next,
		client:         client,
		ttl:            ttl,
		logger:         logger.With(zap.String("component", "profile_cache")),
	}
}

func profileKey(id string) string {
	return "user:" + id
}

func (c *ProfileCache) GetProfile(ctx context.Context, id string) (user.Profile, error) {
	data, err := c.client.Get(ctx, profileKey(id)).Bytes()
	if err == nil {
		var p user.Profile
		if err := json.Unmarshal(data, &p); err == nil {
			return p, nil
		}
	} else if err != goredis.Nil {
		c.logger.Warn("profile cache read failed", zap.String("user_id", id), zap.Error(err))
	}

	p, err := c.UserRepository.GetProfile(ctx, id)
	if err != nil {
		return user.Profile{}, err
	}
	if data, err := json.Marshal(p); err == nil {
		if err := c.client.Set(ctx, profileKey(id), data, c.ttl).Err(); err != nil {
			c.logger.Warn("profile cache write failed", zap.String("user_id", id), zap.Error(err))
		}
	}
	return p, nil
}

func (c *ProfileCache) EnsureUser(ctx context.Context, id, displayName string) error {
	if err := c.UserRepository.EnsureUser(ctx, id, displayName); err != nil {
		return err
	}
	if displayName != "" {
		c.invalidate(ctx, id)
	}
	return nil
}

func (c *ProfileCache) SetPublicKey(ctx context.Context, id string, jwk e2ee.JWK) error {
	if err := c.UserRepository.SetPublicKey(ctx, id, jwk); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *ProfileCache) invalidate(ctx context.Context, id string) {
	if err := c.client.Del(ctx, profileKey(id)).Err(); err != nil {
		c.logger.Warn("profile cache invalidate failed", zap.String("user_id", id), zap.Error(err))
	}
}

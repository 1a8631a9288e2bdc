package registry

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

const organizationKeyPrefix = "machine:org:"

// noOrganization marks a device known to have no organization, so repeated
// misses do not fall through to the backing lookup.
const noOrganization = "\x00"

// OrganizationSource is the lookup RedisLookup falls back to on a cache miss.
type OrganizationSource interface {
	Organization(ctx context.Context, deviceID string) (string, bool, error)
}

// RedisLookup caches organization names in Redis in front of another lookup.
// Redis failures are logged and bypassed; they never fail a lookup.
type RedisLookup struct {
	client   redis.UniversalClient
	ttl      time.Duration
	fallback OrganizationSource
	logger   zerolog.Logger
}

func NewRedisLookup(client redis.UniversalClient, ttl time.Duration, fallback OrganizationSource, logger zerolog.Logger) *RedisLookup {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLookup{
		client:   client,
		ttl:      ttl,
		fallback: fallback,
		logger:   logger.With().Str("component", "RedisLookup").Logger(),
	}
}

func (l *RedisLookup) Organization(ctx context.Context, deviceID string) (string, bool, error) {
	cached, err := l.client.Get(ctx, organizationKeyPrefix+deviceID).Result()
	switch {
	case err == nil:
		if cached == noOrganization {
			return "", false, nil
		}
		return cached, true, nil
	case !errors.Is(err, redis.Nil):
		l.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Redis lookup failed, using fallback")
		return l.fallback.Organization(ctx, deviceID)
	}

	org, found, err := l.fallback.Organization(ctx, deviceID)
	if err != nil {
		return "", false, err
	}
	value := org
	if !found {
		value = noOrganization
	}
	if err := l.client.Set(ctx, organizationKeyPrefix+deviceID, value, l.ttl).Err(); err != nil {
		l.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to cache organization")
	}
	return org, found, nil
}

// Prime writes the organizations of all devices in one pipeline. It is called
// after each registry read so the cache tracks registry edits.
func (l *RedisLookup) Prime(ctx context.Context, devices []types.Device) error {
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range devices {
			value := d.Organization
			if value == "" {
				value = noOrganization
			}
			pipe.Set(ctx, organizationKeyPrefix+d.ID, value, l.ttl)
		}
		return nil
	})
	return err
}

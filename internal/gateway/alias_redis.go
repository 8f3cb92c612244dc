package gateway

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"workledger/internal/domain"
)

const (
	// Redis key prefix for alias hashes; one hash per alias kind.
	aliasKeyPrefix = "workledger:alias:"
)

// RedisAliasStore resolves aliases from Redis hashes shared by every
// reconciler instance. Hash fields are "<SOURCE>:<external id>", with "*" as
// the source of aliases that apply to every source system.
type RedisAliasStore struct {
	client *redis.Client
}

// NewRedisAliasStore constructs a Redis-backed alias store.
func NewRedisAliasStore(client *redis.Client) *RedisAliasStore {
	return &RedisAliasStore{client: client}
}

// Lookup implements keyresolver.AliasStore with a single HMGET round trip.
func (s *RedisAliasStore) Lookup(ctx context.Context, kind domain.AliasKind, source domain.SourceSystem, externalID string) (string, bool, error) {
	values, err := s.client.HMGet(ctx, aliasKeyPrefix+string(kind),
		aliasField(source, externalID),
		aliasField(domain.AnySource, externalID),
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis alias lookup: %w", err)
	}
	for _, v := range values {
		if id, ok := v.(string); ok && id != "" {
			return id, true, nil
		}
	}
	return "", false, nil
}

// Put writes aliases, typically seeded from an AliasTable.
func (s *RedisAliasStore) Put(ctx context.Context, aliases ...domain.Alias) error {
	if len(aliases) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range aliases {
			a = normalizeAlias(a)
			if err := validateAlias(a); err != nil {
				return err
			}
			pipe.HSet(ctx, aliasKeyPrefix+string(a.Kind), aliasField(a.Source, a.ExternalID), a.CanonicalID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis alias put: %w", err)
	}
	return nil
}

func aliasField(source domain.SourceSystem, externalID string) string {
	return string(source) + ":" + externalID
}

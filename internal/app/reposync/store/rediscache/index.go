// Package rediscache wraps a Store with an optional Redis read-through
// cache, used when REDIS_ADDR is configured.
package rediscache

import (
	"context"
	"encoding/json"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
	"github.com/R3E-Network/service_layer/pkg/logger"
	"github.com/go-redis/redis/v8"
)

const keyPrefix = "reposync:connection:"

// Index wraps a backing Store, serving Get from Redis when possible. Put
// rewrites the cached entry; Delete and UpdateCursor drop it. There is no TTL: the cache
// is a performance optimisation, not a source of truth, and is always kept
// in step with the backing store's writes.
type Index struct {
	backing store.Store
	client  *redis.Client
	log     *logger.Logger
}

var _ store.Store = (*Index)(nil)

// New wraps backing with a Redis cache reachable at addr.
func New(backing store.Store, addr string, log *logger.Logger) *Index {
	if log == nil {
		log = logger.NewDefault("reposync-rediscache")
	}
	return &Index{
		backing: backing,
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		log:     log,
	}
}

func (i *Index) cacheKey(repoKey string) string {
	return keyPrefix + store.NormalizeRepoKey(repoKey)
}

func (i *Index) Initialize(ctx context.Context) error {
	return i.backing.Initialize(ctx)
}

func (i *Index) Put(ctx context.Context, record domain.ConnectionRecord) error {
	if err := i.backing.Put(ctx, record); err != nil {
		return err
	}
	i.refresh(ctx, record)
	return nil
}

func (i *Index) refresh(ctx context.Context, record domain.ConnectionRecord) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := i.client.Set(ctx, i.cacheKey(record.RepoKey), encoded, 0).Err(); err != nil {
		i.log.WithField("repo_key", record.RepoKey).Warn("rediscache: failed to refresh cache entry")
	}
}

func (i *Index) Get(ctx context.Context, repoKey string) (domain.ConnectionRecord, bool, error) {
	raw, err := i.client.Get(ctx, i.cacheKey(repoKey)).Bytes()
	if err == nil {
		var record domain.ConnectionRecord
		if json.Unmarshal(raw, &record) == nil {
			return record, true, nil
		}
	}
	record, ok, err := i.backing.Get(ctx, repoKey)
	if err != nil || !ok {
		return record, ok, err
	}
	i.refresh(ctx, record)
	return record, ok, nil
}

func (i *Index) Delete(ctx context.Context, repoKey string) error {
	if err := i.backing.Delete(ctx, repoKey); err != nil {
		return err
	}
	if err := i.client.Del(ctx, i.cacheKey(repoKey)).Err(); err != nil {
		i.log.WithField("repo_key", repoKey).Warn("rediscache: failed to invalidate cache entry")
	}
	return nil
}

func (i *Index) All(ctx context.Context) ([]domain.ConnectionRecord, error) {
	return i.backing.All(ctx)
}

func (i *Index) UpdateCursor(ctx context.Context, repoKey string, update domain.CursorUpdate) error {
	if err := i.backing.UpdateCursor(ctx, repoKey, update); err != nil {
		return err
	}
	if err := i.client.Del(ctx, i.cacheKey(repoKey)).Err(); err != nil {
		i.log.WithField("repo_key", repoKey).Warn("rediscache: failed to invalidate cache entry after cursor update")
	}
	return nil
}

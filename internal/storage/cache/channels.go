package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/alfredwatch/gatekeeper/internal/lib/sl"
	"github.com/alfredwatch/gatekeeper/internal/models"
)

const channelsKey = "registry:channels"

// ChannelStore источник реестра каналов (реализуется хранилищем).
type ChannelStore interface {
	ListChannels(ctx context.Context) ([]models.Channel, error)
}

// ChannelRegistry читает реестр каналов через кэш. Недоступный Redis
// деградирует до прямого чтения из хранилища, а не до ошибки.
type ChannelRegistry struct {
	store ChannelStore
	cache *Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewChannelRegistry создает кэширующий реестр каналов.
func NewChannelRegistry(store ChannelStore, cache *Cache, ttl time.Duration, log *slog.Logger) *ChannelRegistry {
	return &ChannelRegistry{store: store, cache: cache, ttl: ttl, log: log}
}

// ListChannels возвращает реестр каналов, по возможности из кэша.
func (r *ChannelRegistry) ListChannels(ctx context.Context) ([]models.Channel, error) {
	if r.cache != nil {
		var cached []models.Channel
		found, err := r.cache.Get(ctx, channelsKey, &cached)
		if err != nil {
			r.log.Warn("channels cache read failed", sl.Err(err))
		}
		if found {
			return cached, nil
		}
	}

	channels, err := r.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, channelsKey, channels, r.ttl); err != nil {
			r.log.Warn("channels cache write failed", sl.Err(err))
		}
	}
	return channels, nil
}

// Invalidate сбрасывает кэш реестра; вызывается после админ-правок.
func (r *ChannelRegistry) Invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, channelsKey); err != nil {
		r.log.Warn("channels cache invalidate failed", sl.Err(err))
	}
}

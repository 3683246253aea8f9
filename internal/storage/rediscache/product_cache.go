package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultTTL = 15 * time.Minute
	maxJitter  = 5 * time.Minute
	keyPrefix  = "storefront:product:"
)

// ErrCacheMiss — ключа нет в кэше.
var ErrCacheMiss = errors.New("cache miss")

// ProductCache хранит товары каталога в Redis.
type ProductCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

// NewProductCache создаёт кэш. ttl<=0 заменяется значением по умолчанию.
func NewProductCache(client *redis.Client, ttl time.Duration) *ProductCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ProductCache{client: client, baseTTL: ttl}
}

// Get читает товар или возвращает ErrCacheMiss.
func (c *ProductCache) Get(ctx context.Context, id string) (domain.Product, error) {
	data, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Product{}, ErrCacheMiss
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("redis get failed: %w", err)
	}

	var product domain.Product
	if err := json.Unmarshal(data, &product); err != nil {
		return domain.Product{}, fmt.Errorf("unmarshal product failed: %w", err)
	}
	return product, nil
}

// Set кладёт товар с TTL и случайным jitter, чтобы записи не истекали одновременно.
func (c *ProductCache) Set(ctx context.Context, product domain.Product) error {
	data, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("marshal product failed: %w", err)
	}

	ttl := c.baseTTL + time.Duration(rand.Int64N(int64(maxJitter)))
	if err := c.client.Set(ctx, cacheKey(product.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete удаляет товар из кэша.
func (c *ProductCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(id string) string {
	return keyPrefix + id
}

// CachedProductRepository — read-through кэш поверх ProductRepository.
// Ошибки Redis не ломают запрос: чтение уходит в репозиторий.
type CachedProductRepository struct {
	next   domain.ProductRepository
	cache  *ProductCache
	logger *log.Entry
}

// NewCachedProductRepository оборачивает репозиторий кэшем.
func NewCachedProductRepository(next domain.ProductRepository, cache *ProductCache, logger *log.Entry) *CachedProductRepository {
	if logger == nil {
		logger = log.WithField("component", "product-cache")
	}
	return &CachedProductRepository{next: next, cache: cache, logger: logger}
}

func (r *CachedProductRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	return r.next.Create(ctx, product)
}

func (r *CachedProductRepository) Get(ctx context.Context, id string) (domain.Product, error) {
	product, err := r.cache.Get(ctx, id)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		r.logger.WithError(err).WithField("product_id", id).Warn("product cache read failed")
	}

	product, err = r.next.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if err := r.cache.Set(ctx, product); err != nil {
		r.logger.WithError(err).WithField("product_id", id).Warn("product cache write failed")
	}
	return product, nil
}

func (r *CachedProductRepository) List(ctx context.Context) ([]domain.Product, error) {
	return r.next.List(ctx)
}

func (r *CachedProductRepository) Update(ctx context.Context, product domain.Product) (domain.Product, error) {
	updated, err := r.next.Update(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	r.invalidate(ctx, product.ID)
	return updated, nil
}

func (r *CachedProductRepository) Delete(ctx context.Context, id string) error {
	if err := r.next.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *CachedProductRepository) invalidate(ctx context.Context, id string) {
	if err := r.cache.Delete(ctx, id); err != nil {
		r.logger.WithError(err).WithField("product_id", id).Warn("product cache invalidation failed")
	}
}

var _ domain.ProductRepository = (*CachedProductRepository)(nil)

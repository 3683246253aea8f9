package app

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/rediscache"
)

const redisConnectTimeout = 3 * time.Second

// productCache — каталог с кэшем Redis или без него.
type productCache struct {
	products domain.ProductRepository
	checker  healthcheck.Checker
	closeFn  func() error
}

// initProductCache оборачивает каталог кэшем Redis, если задан адрес.
// Недоступный Redis не мешает запуску: каталог работает напрямую с хранилищем.
func initProductCache(ctx context.Context, cfg Config, products domain.ProductRepository, logger *log.Entry) productCache {
	if cfg.RedisAddr == "" {
		return productCache{products: products}
	}

	connectCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	client, err := rediscache.NewClient(connectCtx, rediscache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.RedisTTL,
	})
	if err != nil {
		logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis is unavailable, product cache disabled")
		return productCache{products: products}
	}

	logger.WithFields(log.Fields{"addr": cfg.RedisAddr, "ttl": cfg.RedisTTL}).Info("product cache enabled")
	cache := rediscache.NewProductCache(client, cfg.RedisTTL)
	return productCache{
		products: rediscache.NewCachedProductRepository(products, cache, logger.WithField("component", "product-cache")),
		checker: healthcheck.NewOptionalChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}),
		closeFn: client.Close,
	}
}

func (c productCache) close(logger *log.Entry) {
	if c.closeFn == nil {
		return
	}
	if err := c.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}

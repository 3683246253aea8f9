package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// RouterConfig собирает зависимости HTTP-слоя.
type RouterConfig struct {
	Handler        *Handler
	Health         *health.Handler
	Metrics        *metrics.StorefrontMetrics
	Logger         *log.Entry
	CORS           CORSConfig
	RequestTimeout time.Duration
}

// NewRouter регистрирует маршруты storefront API.
// Корзина, товары и заказы доступны и без префикса, и под /api.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(recoverer(logger))
	r.Use(requestLogger(logger))
	r.Use(metricsMiddleware(cfg.Metrics))
	r.Use(cors(cfg.CORS))
	r.Use(chimw.Timeout(timeout))

	if cfg.Health != nil {
		r.Get("/api/health", cfg.Health.ServeHTTP)
		r.Get("/healthz", cfg.Health.ServeHTTP)
		r.Get("/readyz", cfg.Health.ReadinessHandler)
	}
	r.Get("/livez", health.LivenessHandler)

	h := cfg.Handler
	for _, prefix := range []string{"", "/api"} {
		r.Route(prefix+"/cart", func(r chi.Router) {
			r.Use(requireCartID)
			r.Get("/", h.ListCart)
			r.Post("/", h.AddItem)
			r.Delete("/", h.ClearCart)
			r.Post("/checkout", h.Checkout)
			r.Put("/{itemID}", h.UpdateItem)
			r.Delete("/{itemID}", h.RemoveItem)
		})
		r.Route(prefix+"/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
			r.Put("/{id}", h.UpdateProduct)
			r.Delete("/{id}", h.DeleteProduct)
		})
		r.Route(prefix+"/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Get("/{orderNumber}", h.GetOrder)
		})
	}

	return r
}

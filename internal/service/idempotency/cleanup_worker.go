package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultCleanupInterval  = time.Minute
	defaultCleanupBatchSize = 500
	// DefaultProcessingLease — сколько оформление может держать ключ в processing.
	DefaultProcessingLease = 2 * time.Minute
)

// Причины удаления ключа, они же значения label reason.
const (
	ReasonExpired = "expired"
	ReasonStale   = "stale"
)

var (
	checkoutKeySweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_checkout_idempotency_sweeps_total",
		Help: "Checkout idempotency key sweeps grouped by result.",
	}, []string{"result"})
	checkoutKeysRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_checkout_idempotency_keys_removed_total",
		Help: "Checkout idempotency keys removed by the sweeper grouped by reason.",
	}, []string{"reason"})
)

// SweepResult — итог одного прохода уборки.
type SweepResult struct {
	// Expired — ответы оформления, у которых истёк TTL повтора.
	Expired int
	// Stale — ключи, брошенные в processing упавшим обработчиком.
	Stale int
}

// CleanupOptions задаёт параметры уборки ключей оформления.
type CleanupOptions struct {
	Logger          *log.Entry
	Interval        time.Duration
	BatchSize       int
	ProcessingLease time.Duration
	Now             func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

// WithInterval задаёт период между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

// WithBatchSize задаёт размер одной порции удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithProcessingLease задаёт аренду ключа в processing.
func WithProcessingLease(lease time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.ProcessingLease = lease }
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) { opts.Now = now }
}

// CleanupWorker убирает ключи идемпотентности оформления: повторы с истёкшим TTL
// и processing-ключи, которые никто не завершит. Без второго шага клиент получал бы 409
// по такому ключу до конца TTL.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	lease     time.Duration
	now       func() time.Time
}

// NewCleanupWorker создаёт воркер уборки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "checkout-idempotency-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.ProcessingLease <= 0 {
		opts.ProcessingLease = DefaultProcessingLease
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &CleanupWorker{
		repo:      repo,
		logger:    opts.Logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		lease:     opts.ProcessingLease,
		now:       opts.Now,
	}
}

// Run выполняет проход сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency sweeper is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	result, err := w.Sweep(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		checkoutKeySweepsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("idempotency sweep failed")
	default:
		checkoutKeySweepsTotal.WithLabelValues("ok").Inc()
	}

	if result.Stale > 0 {
		w.logger.WithFields(log.Fields{
			"released": result.Stale,
			"lease":    w.lease.String(),
		}).Warn("released checkout keys abandoned in processing")
	}
	if result.Expired > 0 {
		w.logger.WithField("deleted", result.Expired).Debug("expired checkout replays removed")
	}
}

// Sweep выполняет один проход. Оба шага выполняются, даже если первый упал.
func (w *CleanupWorker) Sweep(ctx context.Context) (SweepResult, error) {
	now := w.now()
	staleBefore := now.Add(-w.lease)

	var result SweepResult
	var errs []error

	expired, err := w.drain(ctx, ReasonExpired, func(ctx context.Context, limit int) (int, error) {
		return w.repo.DeleteExpired(ctx, now, limit)
	})
	result.Expired = expired
	if err != nil {
		errs = append(errs, err)
	}

	stale, err := w.drain(ctx, ReasonStale, func(ctx context.Context, limit int) (int, error) {
		return w.repo.ReleaseStale(ctx, staleBefore, limit)
	})
	result.Stale = stale
	if err != nil {
		errs = append(errs, err)
	}

	return result, errors.Join(errs...)
}

// drain повторяет шаг порциями batchSize, пока порция не окажется неполной.
func (w *CleanupWorker) drain(ctx context.Context, reason string, step func(context.Context, int) (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		removed, err := step(ctx, w.batchSize)
		if err != nil {
			return total, fmt.Errorf("sweep %s keys: %w", reason, err)
		}
		total += removed
		if removed > 0 {
			checkoutKeysRemovedTotal.WithLabelValues(reason).Add(float64(removed))
		}
		if removed < w.batchSize {
			return total, nil
		}
	}
}

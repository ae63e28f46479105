package stock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"

	"github.com/stockroom-erp/stockroom/internal/platform/cache"
)

// RebuildLockKey names the exclusive lock for a rebuild scope.
func RebuildLockKey(scope RebuildScope) string {
	if scope.ProductID != 0 {
		return fmt.Sprintf("stock:rebuild:product:%d", scope.ProductID)
	}
	return "stock:rebuild:all"
}

// Rebuilder replays the ledger into a fresh projection under an exclusive
// scope lock. A maintenance operation: appends to the scope are rejected as
// retryable while the lock is held.
type Rebuilder struct {
	repo    RepositoryPort
	locker  *cache.ScopeLocker
	logger  *slog.Logger
	metrics RebuildMetrics
	lockTTL time.Duration
}

// RebuildMetrics records rebuild durations.
type RebuildMetrics interface {
	RebuildObserved(scope string, elapsed time.Duration)
}

// WithMetrics attaches rebuild duration recording.
func (r *Rebuilder) WithMetrics(metrics RebuildMetrics) {
	r.metrics = metrics
}

// NewRebuilder constructs a Rebuilder.
func NewRebuilder(repo RepositoryPort, locker *cache.ScopeLocker, logger *slog.Logger, lockTTL time.Duration) *Rebuilder {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Rebuilder{repo: repo, locker: locker, logger: logger, lockTTL: lockTTL}
}

// Rebuild truncates and replays the projection for the scope. The projection
// afterwards equals the sum of all ledger movements; this doubles as the
// correctness oracle for the incremental upsert path.
func (r *Rebuilder) Rebuild(ctx context.Context, scope RebuildScope) error {
	var lock *redislock.Lock
	if r.locker != nil {
		var err error
		lock, err = r.locker.Acquire(ctx, RebuildLockKey(scope), r.lockTTL)
		if err != nil {
			return fmt.Errorf("stock: acquire rebuild lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("release rebuild lock", slog.Any("error", err))
			}
		}()
	}

	start := time.Now()
	if err := r.repo.Rebuild(ctx, scope); err != nil {
		return fmt.Errorf("stock: rebuild projection: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RebuildObserved(RebuildLockKey(scope), time.Since(start))
	}
	if r.logger != nil {
		r.logger.Info("projection rebuilt",
			slog.Int64("product_id", scope.ProductID),
			slog.Duration("took", time.Since(start)))
	}
	return nil
}

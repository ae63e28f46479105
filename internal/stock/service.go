package stock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/stockroom-erp/stockroom/internal/location"
	"github.com/stockroom-erp/stockroom/internal/platform/db"
	"github.com/stockroom-erp/stockroom/internal/product"
	"github.com/stockroom-erp/stockroom/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStock(ctx context.Context, productID int64, loc location.StockLocation) (int64, error)
	GetWarehouseStock(ctx context.Context, productID, warehouseID int64) (int64, error)
	GetMovement(ctx context.Context, id uuid.UUID) (Movement, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
	Rebuild(ctx context.Context, scope RebuildScope) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CachePort abstracts the projection read cache. Invalidate must leave the
// keys in a state Get reports as a miss and SetIfAbsent refuses to overwrite
// for long enough to cover an in-flight read, so a value loaded before an
// append committed cannot be served afterwards.
type CachePort interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetIfAbsent(ctx context.Context, key, value string) error
	Invalidate(ctx context.Context, keys ...string) error
}

// RebuildGuard reports whether a rebuild currently holds the scope.
type RebuildGuard interface {
	Held(ctx context.Context, key string) (bool, error)
}

// MetricsPort counts ledger outcomes.
type MetricsPort interface {
	MovementAppended(replayed bool)
	TransientConflict()
}

// Service coordinates ledger appends and projection reads.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	cache       CachePort
	guard       RebuildGuard
	integration IntegrationHandler
	metrics     MetricsPort
	reads       singleflight.Group
	now         func() time.Time
}

// NewService builds Service. audit, cache, guard and integration are optional.
func NewService(repo RepositoryPort, audit AuditPort, cache CachePort, guard RebuildGuard, integration IntegrationHandler) *Service {
	return &Service{repo: repo, audit: audit, cache: cache, guard: guard, integration: integration, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// WithMetrics attaches outcome counters.
func (s *Service) WithMetrics(metrics MetricsPort) {
	s.metrics = metrics
}

// AppendMovement validates, appends one immutable ledger row and updates the
// projection for both locations in one transaction. Re-submitting the same
// movement id with an identical payload is a no-op success.
func (s *Service) AppendMovement(ctx context.Context, input AppendInput) (Movement, error) {
	movements, err := s.AppendMovementBatch(ctx, []AppendInput{input})
	if err != nil {
		return Movement{}, err
	}
	return movements[0], nil
}

// AppendMovementBatch appends several movements as one all-or-nothing
// transaction, so the projection can never observe a partially applied
// business operation.
func (s *Service) AppendMovementBatch(ctx context.Context, inputs []AppendInput) ([]Movement, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidQuantity)
	}

	movements := make([]Movement, 0, len(inputs))
	for _, input := range inputs {
		m, err := s.buildMovement(input)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}

	if err := s.checkRebuildGuard(ctx, movements); err != nil {
		return nil, err
	}

	replayed := make([]bool, len(movements))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, m := range movements {
			ok, err := tx.ProductExists(ctx, m.Product)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: product %d version %d", product.ErrNotFound, m.Product.ProductID, m.Product.VersionID)
			}

			hash := payloadHash(m)
			inserted, err := tx.InsertMovement(ctx, m, hash)
			if err != nil {
				return err
			}
			if !inserted {
				stored, err := tx.GetMovementHash(ctx, m.ID)
				if err != nil {
					return err
				}
				if stored != hash {
					return fmt.Errorf("%w: id %s", ErrPayloadMismatch, m.ID)
				}
				replayed[i] = true
				continue
			}

			if err := tx.ApplyDelta(ctx, m.Product.ProductID, m.Source, -m.Quantity); err != nil {
				return err
			}
			if err := tx.ApplyDelta(ctx, m.Product.ProductID, m.Destination, m.Quantity); err != nil {
				return err
			}

			if err := s.allocateBatches(ctx, tx, m, inputs[i].Batches); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if s.metrics != nil && errors.Is(err, db.ErrTransientConflict) {
			s.metrics.TransientConflict()
		}
		return nil, err
	}

	s.afterAppend(ctx, movements, replayed)
	return movements, nil
}

func (s *Service) buildMovement(input AppendInput) (Movement, error) {
	if input.Quantity <= 0 {
		return Movement{}, fmt.Errorf("%w: got %d", ErrInvalidQuantity, input.Quantity)
	}
	src, err := location.Resolve(input.Source)
	if err != nil {
		return Movement{}, fmt.Errorf("source: %w", err)
	}
	dst, err := location.Resolve(input.Destination)
	if err != nil {
		return Movement{}, fmt.Errorf("destination: %w", err)
	}
	if err := validateSnapshot(input.SourceSnapshot, src); err != nil {
		return Movement{}, fmt.Errorf("source snapshot: %w", err)
	}
	if err := validateSnapshot(input.DestinationSnapshot, dst); err != nil {
		return Movement{}, fmt.Errorf("destination snapshot: %w", err)
	}
	for _, alloc := range input.Batches {
		if alloc.BatchID <= 0 || alloc.Quantity <= 0 {
			return Movement{}, fmt.Errorf("%w: batch allocation requires positive batch id and quantity", ErrInvalidQuantity)
		}
		if alloc.Origin != AllocationOriginSystem && alloc.Origin != AllocationOriginUser {
			return Movement{}, fmt.Errorf("stock: unknown batch allocation origin %q", alloc.Origin)
		}
	}

	id := input.MovementID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return Movement{
		ID:                  id,
		Product:             input.Product,
		Quantity:            input.Quantity,
		Source:              src,
		Destination:         dst,
		SourceSnapshot:      input.SourceSnapshot,
		DestinationSnapshot: input.DestinationSnapshot,
		ProcessID:           input.ProcessID,
		ActorID:             input.ActorID,
		CreatedAt:           s.now().UTC(),
	}, nil
}

// validateSnapshot enforces the snapshot contract: valid JSON, never
// re-validated beyond that, required non-empty for non-special locations.
func validateSnapshot(snapshot json.RawMessage, loc location.StockLocation) error {
	if len(snapshot) == 0 {
		if loc.IsSpecial() {
			return nil
		}
		return ErrInvalidSnapshot
	}
	if !json.Valid(snapshot) {
		return ErrInvalidSnapshot
	}
	return nil
}

// allocateBatches writes batch mappings in the movement's transaction and
// enforces that cumulative allocations never exceed the projected quantity
// of the destination record.
func (s *Service) allocateBatches(ctx context.Context, tx TxRepository, m Movement, allocs []BatchAllocation) error {
	if len(allocs) == 0 {
		return nil
	}
	recordQty, err := tx.GetRecordQuantity(ctx, m.Product.ProductID, m.Destination)
	if err != nil {
		return err
	}
	allocated, err := tx.BatchAllocatedQuantity(ctx, m.Product.ProductID, m.Destination)
	if err != nil {
		return err
	}
	for _, alloc := range allocs {
		allocated += alloc.Quantity
		if allocated > recordQty {
			return fmt.Errorf("%w: %d allocated, record holds %d", ErrBatchQuantityExceeded, allocated, recordQty)
		}
		if err := tx.InsertBatchAllocation(ctx, m.ID, m.Product.ProductID, m.Destination, alloc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkRebuildGuard(ctx context.Context, movements []Movement) error {
	if s.guard == nil {
		return nil
	}
	held, err := s.guard.Held(ctx, RebuildLockKey(RebuildScope{}))
	if err != nil {
		return err
	}
	if held {
		return ErrRebuildInProgress
	}
	for _, m := range movements {
		held, err := s.guard.Held(ctx, RebuildLockKey(RebuildScope{ProductID: m.Product.ProductID}))
		if err != nil {
			return err
		}
		if held {
			return ErrRebuildInProgress
		}
	}
	return nil
}

func (s *Service) afterAppend(ctx context.Context, movements []Movement, replayed []bool) {
	for i, m := range movements {
		if s.metrics != nil {
			s.metrics.MovementAppended(replayed[i])
		}
		if replayed[i] {
			continue
		}
		if s.cache != nil {
			_ = s.cache.Invalidate(ctx,
				stockCacheKey(m.Product.ProductID, m.Source),
				stockCacheKey(m.Product.ProductID, m.Destination))
		}
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				ActorID:  m.ActorID,
				Action:   "stock:append",
				Entity:   "stock_movement",
				EntityID: m.ID.String(),
				Meta: map[string]any{
					"product_id":  m.Product.ProductID,
					"quantity":    m.Quantity,
					"source":      m.Source.Key(),
					"destination": m.Destination.Key(),
				},
			})
		}
		if s.integration != nil {
			_ = s.integration.HandleMovementAppended(ctx, MovementAppendedEvent{
				MovementID:  m.ID,
				ProductID:   m.Product.ProductID,
				Quantity:    m.Quantity,
				Source:      m.Source.Key(),
				Destination: m.Destination.Key(),
				AppendedAt:  m.CreatedAt,
			})
		}
	}
}

// payloadHash fingerprints the caller-controlled fields of a movement so a
// replayed id can be told apart from a diverging payload. CreatedAt is
// server-assigned and stays out; everything the caller supplies, the actor
// included, goes in.
func payloadHash(m Movement) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%d|%d|%s|%s|", m.Product.ProductID, m.Product.VersionID, m.Quantity, m.ActorID, m.Source.Key(), m.Destination.Key())
	h.Write(m.SourceSnapshot)
	h.Write([]byte{0})
	h.Write(m.DestinationSnapshot)
	if m.ProcessID != nil {
		fmt.Fprintf(h, "|%s", m.ProcessID)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetStock returns the projected quantity for (product, location); 0 when no
// row exists. Reads go through the cache and are deduplicated per key.
func (s *Service) GetStock(ctx context.Context, productID int64, loc location.StockLocation) (int64, error) {
	if err := loc.Validate(); err != nil {
		return 0, err
	}
	key := stockCacheKey(productID, loc)
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			if qty, err := strconv.ParseInt(cached, 10, 64); err == nil {
				return qty, nil
			}
		}
	}
	val, err, _ := s.reads.Do(key, func() (any, error) {
		qty, err := s.repo.GetStock(ctx, productID, loc)
		if err != nil {
			return int64(0), err
		}
		if s.cache != nil {
			_ = s.cache.SetIfAbsent(ctx, key, strconv.FormatInt(qty, 10))
		}
		return qty, nil
	})
	if err != nil {
		return 0, err
	}
	return val.(int64), nil
}

// GetWarehouseStock aggregates a product's stock across all bin locations of
// a warehouse plus the warehouse unknown bucket.
func (s *Service) GetWarehouseStock(ctx context.Context, productID, warehouseID int64) (int64, error) {
	return s.repo.GetWarehouseStock(ctx, productID, warehouseID)
}

// GetMovement loads one movement by id.
func (s *Service) GetMovement(ctx context.Context, id uuid.UUID) (Movement, error) {
	return s.repo.GetMovement(ctx, id)
}

// GetMovements lists ledger rows for a product within a time range.
func (s *Service) GetMovements(ctx context.Context, filter MovementFilter) ([]Movement, shared.Pagination, error) {
	if filter.ProductID == 0 {
		return nil, shared.Pagination{}, fmt.Errorf("stock: product id required")
	}
	movements, total, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return movements, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func stockCacheKey(productID int64, loc location.StockLocation) string {
	return fmt.Sprintf("stock:qty:%d:%s", productID, loc.Key())
}

package stocktake

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/stockroom-erp/stockroom/internal/location"
	"github.com/stockroom-erp/stockroom/internal/product"
	"github.com/stockroom-erp/stockroom/internal/shared"
	"github.com/stockroom-erp/stockroom/internal/stock"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	CreateStocktake(ctx context.Context, st Stocktake) error
	GetStocktake(ctx context.Context, id uuid.UUID) (Stocktake, error)
	FindOrCreateProcess(ctx context.Context, stocktakeID uuid.UUID, binLocationID *int64) (CountingProcess, error)
	SnapshotQuantity(ctx context.Context, stocktakeID uuid.UUID, productID int64, locationKey string) (int64, error)
	MovementDelta(ctx context.Context, productID int64, locationKey string, from, to time.Time) (int64, error)
	UpsertCountItem(ctx context.Context, item CountItem) (CountItem, error)
	ItemsForStocktake(ctx context.Context, stocktakeID uuid.UUID) ([]CountItem, map[uuid.UUID]CountingProcess, error)
	CompleteStocktake(ctx context.Context, id uuid.UUID, completedAt time.Time, summary []SummaryRow) error
	Summary(ctx context.Context, id uuid.UUID) ([]SummaryRow, error)
	ListActiveStartedBefore(ctx context.Context, cutoff time.Time) ([]Stocktake, error)
}

// LedgerPort appends correction movements on completion.
type LedgerPort interface {
	AppendMovementBatch(ctx context.Context, inputs []stock.AppendInput) ([]stock.Movement, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates stocktaking.
type Service struct {
	repo   RepositoryPort
	ledger LedgerPort
	audit  AuditPort
	now    func() time.Time
}

// NewService builds Service. ledger and audit are optional.
func NewService(repo RepositoryPort, ledger LedgerPort, audit AuditPort) *Service {
	return &Service{repo: repo, ledger: ledger, audit: audit, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Start opens a stocktake over one warehouse and freezes the projection
// snapshot that later point-in-time reads are based on.
func (s *Service) Start(ctx context.Context, warehouseID int64) (Stocktake, error) {
	if warehouseID <= 0 {
		return Stocktake{}, fmt.Errorf("stocktake: warehouse id required")
	}
	st := Stocktake{
		ID:          uuid.New(),
		WarehouseID: warehouseID,
		Status:      StatusActive,
		StartedAt:   s.now().UTC(),
	}
	if err := s.repo.CreateStocktake(ctx, st); err != nil {
		return Stocktake{}, err
	}
	return st, nil
}

// Get loads one stocktake.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Stocktake, error) {
	return s.repo.GetStocktake(ctx, id)
}

// CountInput describes one physical count.
type CountInput struct {
	StocktakeID      uuid.UUID
	ProductID        int64
	ProductVersionID int64
	BinLocationID    *int64 // nil counts at the warehouse unknown location
	CountedQuantity  int64
	ActorID          int64
}

// RecordCount stores a count. The expected quantity is reconstructed as of
// counting time: start snapshot plus the ledger delta since the stocktake
// started — not a live projection read. Recounting the same product at the
// same location merges into the existing item, keeping the most recent count.
func (s *Service) RecordCount(ctx context.Context, input CountInput) (CountItem, error) {
	if input.CountedQuantity < 0 {
		return CountItem{}, ErrInvalidCount
	}
	st, err := s.repo.GetStocktake(ctx, input.StocktakeID)
	if err != nil {
		return CountItem{}, err
	}
	if st.Status != StatusActive {
		return CountItem{}, fmt.Errorf("%w: %s", ErrNotActive, st.ID)
	}

	process, err := s.repo.FindOrCreateProcess(ctx, st.ID, input.BinLocationID)
	if err != nil {
		return CountItem{}, err
	}

	loc := countLocation(st, process)
	countedAt := s.now().UTC()
	expected, err := s.expectedAt(ctx, st, input.ProductID, loc, countedAt)
	if err != nil {
		return CountItem{}, err
	}

	item := CountItem{
		ID:               uuid.New(),
		ProcessID:        process.ID,
		ProductID:        input.ProductID,
		ProductVersionID: input.ProductVersionID,
		CountedQuantity:  input.CountedQuantity,
		ExpectedQuantity: expected,
		CountedAt:        countedAt,
	}
	return s.repo.UpsertCountItem(ctx, item)
}

// expectedAt reconstructs "stock at this location as of t" from the start
// snapshot adjusted by all ledger movements between start and t.
func (s *Service) expectedAt(ctx context.Context, st Stocktake, productID int64, loc location.StockLocation, t time.Time) (int64, error) {
	snapshot, err := s.repo.SnapshotQuantity(ctx, st.ID, productID, loc.Key())
	if err != nil {
		return 0, err
	}
	delta, err := s.repo.MovementDelta(ctx, productID, loc.Key(), st.StartedAt, t)
	if err != nil {
		return 0, err
	}
	return snapshot + delta, nil
}

func countLocation(st Stocktake, process CountingProcess) location.StockLocation {
	if process.BinLocationID != nil {
		return location.BinLocation(*process.BinLocationID)
	}
	return location.Warehouse(st.WarehouseID)
}

// Complete transitions the stocktake to its terminal state, stores the
// per-product summary and, when requested, appends correction movements that
// reconcile the projection to counted reality through the stock_correction
// special location.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, applyCorrections bool, actorID int64) ([]SummaryRow, error) {
	st, err := s.repo.GetStocktake(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, id)
	}

	items, processes, err := s.repo.ItemsForStocktake(ctx, id)
	if err != nil {
		return nil, err
	}

	summary := summarise(items)
	completedAt := s.now().UTC()
	if err := s.repo.CompleteStocktake(ctx, id, completedAt, summary); err != nil {
		return nil, err
	}

	if applyCorrections && s.ledger != nil {
		if err := s.appendCorrections(ctx, st, items, processes, actorID); err != nil {
			return nil, fmt.Errorf("stocktake: corrections: %w", err)
		}
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "stocktake:complete",
			Entity:   "stocktake",
			EntityID: id.String(),
			Meta: map[string]any{
				"warehouse_id": st.WarehouseID,
				"products":     len(summary),
				"corrections":  applyCorrections,
			},
		})
	}
	return summary, nil
}

// summarise aggregates count items per product across all counting processes.
func summarise(items []CountItem) []SummaryRow {
	type agg struct {
		counted  int64
		expected int64
	}
	perProduct := map[int64]*agg{}
	order := []int64{}
	for _, item := range items {
		a, ok := perProduct[item.ProductID]
		if !ok {
			a = &agg{}
			perProduct[item.ProductID] = a
			order = append(order, item.ProductID)
		}
		a.counted += item.CountedQuantity
		a.expected += item.ExpectedQuantity
	}

	summary := make([]SummaryRow, 0, len(order))
	for _, productID := range order {
		a := perProduct[productID]
		row := SummaryRow{
			ProductID:        productID,
			CountedQuantity:  a.counted,
			ExpectedQuantity: a.expected,
			Difference:       a.counted - a.expected,
		}
		if a.expected != 0 {
			row.DifferencePct = math.Round(float64(row.Difference)/math.Abs(float64(a.expected))*10000) / 100
		}
		summary = append(summary, row)
	}
	return summary
}

func (s *Service) appendCorrections(ctx context.Context, st Stocktake, items []CountItem, processes map[uuid.UUID]CountingProcess, actorID int64) error {
	inputs := []stock.AppendInput{}
	processID := uuid.New()
	for _, item := range items {
		diff := item.CountedQuantity - item.ExpectedQuantity
		if diff == 0 {
			continue
		}
		process, ok := processes[item.ProcessID]
		if !ok {
			continue
		}
		loc := countLocation(st, process)
		snapshot, err := json.Marshal(map[string]any{
			"stocktake_id": st.ID,
			"location":     loc.Key(),
		})
		if err != nil {
			return err
		}

		input := stock.AppendInput{
			MovementID: uuid.New(),
			Product:    product.Ref{ProductID: item.ProductID, VersionID: item.ProductVersionID},
			ProcessID:  &processID,
			ActorID:    actorID,
		}
		correction := location.ReferenceFor(location.Special(location.SpecialStockCorrection))
		if diff > 0 {
			input.Quantity = diff
			input.Source = correction
			input.Destination = location.ReferenceFor(loc)
			input.DestinationSnapshot = snapshot
		} else {
			input.Quantity = -diff
			input.Source = location.ReferenceFor(loc)
			input.SourceSnapshot = snapshot
			input.Destination = correction
		}
		inputs = append(inputs, input)
	}
	if len(inputs) == 0 {
		return nil
	}
	_, err := s.ledger.AppendMovementBatch(ctx, inputs)
	return err
}

// ExpireStale completes every stocktake that has been active longer than
// olderThan, without corrections. Abandoned stocktakes would otherwise block
// their warehouse from a fresh count indefinitely.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	stale, err := s.repo.ListActiveStartedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	expired := make([]uuid.UUID, 0, len(stale))
	for _, st := range stale {
		if _, err := s.Complete(ctx, st.ID, false, 0); err != nil {
			return expired, err
		}
		expired = append(expired, st.ID)
	}
	return expired, nil
}

// Summary returns the stored summary of a completed stocktake.
func (s *Service) Summary(ctx context.Context, id uuid.UUID) ([]SummaryRow, error) {
	return s.repo.Summary(ctx, id)
}

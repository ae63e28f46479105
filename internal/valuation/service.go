package valuation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockroom-erp/stockroom/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	StockQuantities(ctx context.Context, warehouseID *int64) ([]StockQuantity, error)
	PurchaseLayers(ctx context.Context, from, to time.Time) ([]PurchaseLayer, error)
	CarryLayers(ctx context.Context, reportID uuid.UUID) ([]PurchaseLayer, error)
	LatestReport(ctx context.Context, warehouseID *int64) (Report, bool, error)
	SaveReport(ctx context.Context, report Report, leftovers []PurchaseLayer) error
	GetReport(ctx context.Context, id uuid.UUID) (Report, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service generates valuation reports.
type Service struct {
	repo         RepositoryPort
	audit        AuditPort
	defaultOrder ConsumptionOrder
	now          func() time.Time
}

// NewService builds Service. defaultOrder applies when a request does not
// name a consumption order.
func NewService(repo RepositoryPort, audit AuditPort, defaultOrder ConsumptionOrder) *Service {
	if defaultOrder == "" {
		defaultOrder = MostRecentFirst
	}
	return &Service{repo: repo, audit: audit, defaultOrder: defaultOrder, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// GenerateInput parameterises one report run.
type GenerateInput struct {
	WarehouseID      *int64
	ConsumptionOrder ConsumptionOrder
	SurplusPrice     *decimal.Decimal
	ActorID          int64
}

// Generate builds and persists a valuation report. Layers consumed are the
// previous report's carry-overs plus purchases received since it; unconsumed
// remainders are stored for the next run.
func (s *Service) Generate(ctx context.Context, input GenerateInput) (Report, error) {
	report, leftovers, err := s.build(ctx, input)
	if err != nil {
		return Report{}, err
	}
	if err := s.repo.SaveReport(ctx, report, leftovers); err != nil {
		return Report{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "valuation:generate",
			Entity:   "valuation_report",
			EntityID: report.ID.String(),
			Meta: map[string]any{
				"consumption_order": string(report.ConsumptionOrder),
				"total_value":       report.TotalValue.String(),
				"rows":              len(report.Rows),
			},
		})
	}
	return report, nil
}

// Preview builds a report without persisting anything.
func (s *Service) Preview(ctx context.Context, input GenerateInput) (Report, error) {
	report, _, err := s.build(ctx, input)
	return report, err
}

// Get loads one persisted report.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Report, error) {
	return s.repo.GetReport(ctx, id)
}

func (s *Service) build(ctx context.Context, input GenerateInput) (Report, []PurchaseLayer, error) {
	order := input.ConsumptionOrder
	if order == "" {
		order = s.defaultOrder
	}
	if _, err := ParseConsumptionOrder(string(order)); err != nil {
		return Report{}, nil, err
	}

	generatedAt := s.now().UTC()
	layers, err := s.inputLayers(ctx, input.WarehouseID, generatedAt)
	if err != nil {
		return Report{}, nil, err
	}
	perProduct := map[int64][]PurchaseLayer{}
	for _, layer := range layers {
		perProduct[layer.ProductID] = append(perProduct[layer.ProductID], layer)
	}

	stocks, err := s.repo.StockQuantities(ctx, input.WarehouseID)
	if err != nil {
		return Report{}, nil, err
	}

	report := Report{
		ID:               uuid.New(),
		WarehouseID:      input.WarehouseID,
		ConsumptionOrder: order,
		GeneratedAt:      generatedAt,
		TotalValue:       decimal.Zero,
	}
	leftovers := []PurchaseLayer{}
	for _, stock := range stocks {
		rows, rest, err := valuateProduct(stock, perProduct[stock.ProductID], order, input.SurplusPrice)
		if err != nil {
			return Report{}, nil, err
		}
		for _, row := range rows {
			report.TotalValue = report.TotalValue.Add(row.TotalPrice)
		}
		report.Rows = append(report.Rows, rows...)
		leftovers = append(leftovers, rest...)
		delete(perProduct, stock.ProductID)
	}
	// Layers of products with zero stock still carry forward.
	for _, rest := range perProduct {
		leftovers = append(leftovers, rest...)
	}
	return report, leftovers, nil
}

// inputLayers assembles the cost layers for one run: the previous report's
// carry-overs plus purchases received after it, or the full purchase history
// for a first run.
func (s *Service) inputLayers(ctx context.Context, warehouseID *int64, until time.Time) ([]PurchaseLayer, error) {
	prev, ok, err := s.repo.LatestReport(ctx, warehouseID)
	if err != nil {
		return nil, err
	}

	var (
		carried []PurchaseLayer
		from    time.Time
	)
	if ok {
		if carried, err = s.repo.CarryLayers(ctx, prev.ID); err != nil {
			return nil, err
		}
		from = prev.GeneratedAt
	}

	purchased, err := s.repo.PurchaseLayers(ctx, from, until)
	if err != nil {
		return nil, err
	}
	return append(carried, purchased...), nil
}

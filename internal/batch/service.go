package batch

import (
	"context"
	"time"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	Upsert(ctx context.Context, b Batch) (Batch, error)
	Get(ctx context.Context, id int64) (Batch, error)
	ListForProduct(ctx context.Context, productID int64) ([]Batch, error)
	StockByLocation(ctx context.Context, batchID int64) (map[string]int64, error)
}

// Service resolves and reads batches.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ResolveInput identifies a lot.
type ResolveInput struct {
	ProductID  int64
	Number     *string
	BestBefore *time.Time
}

// Resolve finds or creates the batch for the given identity. Numberless lots
// with equal best-before dates resolve to one batch.
func (s *Service) Resolve(ctx context.Context, input ResolveInput) (Batch, error) {
	key, err := Key(input.Number, input.BestBefore)
	if err != nil {
		return Batch{}, err
	}
	b := Batch{
		ProductID:  input.ProductID,
		Number:     input.Number,
		BestBefore: input.BestBefore,
		Key:        key,
	}
	if b.Number != nil && *b.Number == "" {
		b.Number = nil
	}
	return s.repo.Upsert(ctx, b)
}

// Get loads one batch.
func (s *Service) Get(ctx context.Context, id int64) (Batch, error) {
	return s.repo.Get(ctx, id)
}

// ListForProduct lists a product's batches.
func (s *Service) ListForProduct(ctx context.Context, productID int64) ([]Batch, error) {
	return s.repo.ListForProduct(ctx, productID)
}

// StockByLocation returns the batch's allocation per location key.
func (s *Service) StockByLocation(ctx context.Context, batchID int64) (map[string]int64, error) {
	if _, err := s.repo.Get(ctx, batchID); err != nil {
		return nil, err
	}
	return s.repo.StockByLocation(ctx, batchID)
}

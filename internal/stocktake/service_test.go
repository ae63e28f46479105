package stocktake

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stockroom-erp/stockroom/internal/location"
	"github.com/stockroom-erp/stockroom/internal/stock"
)

type ledgerEntry struct {
	productID   int64
	locationKey string
	delta       int64
	at          time.Time
}

type memoryRepo struct {
	stocktakes map[uuid.UUID]Stocktake
	snapshots  map[uuid.UUID]map[string]int64 // stocktake -> "product|location" -> qty
	processes  map[uuid.UUID][]CountingProcess
	items      map[uuid.UUID]map[string]CountItem // stocktake -> "process|product" -> item
	summaries  map[uuid.UUID][]SummaryRow
	ledger     []ledgerEntry
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		stocktakes: map[uuid.UUID]Stocktake{},
		snapshots:  map[uuid.UUID]map[string]int64{},
		processes:  map[uuid.UUID][]CountingProcess{},
		items:      map[uuid.UUID]map[string]CountItem{},
		summaries:  map[uuid.UUID][]SummaryRow{},
	}
}

func snapKey(productID int64, locationKey string) string {
	return locationKey + "|" + strconv.FormatInt(productID, 10)
}

func (r *memoryRepo) CreateStocktake(_ context.Context, st Stocktake) error {
	r.stocktakes[st.ID] = st
	if r.snapshots[st.ID] == nil {
		r.snapshots[st.ID] = map[string]int64{}
	}
	return nil
}

func (r *memoryRepo) GetStocktake(_ context.Context, id uuid.UUID) (Stocktake, error) {
	st, ok := r.stocktakes[id]
	if !ok {
		return Stocktake{}, ErrNotFound
	}
	return st, nil
}

func (r *memoryRepo) FindOrCreateProcess(_ context.Context, stocktakeID uuid.UUID, binLocationID *int64) (CountingProcess, error) {
	for _, cp := range r.processes[stocktakeID] {
		if (cp.BinLocationID == nil) == (binLocationID == nil) &&
			(cp.BinLocationID == nil || *cp.BinLocationID == *binLocationID) {
			return cp, nil
		}
	}
	cp := CountingProcess{ID: uuid.New(), StocktakeID: stocktakeID, BinLocationID: binLocationID, CreatedAt: time.Now()}
	r.processes[stocktakeID] = append(r.processes[stocktakeID], cp)
	return cp, nil
}

func (r *memoryRepo) SnapshotQuantity(_ context.Context, stocktakeID uuid.UUID, productID int64, locationKey string) (int64, error) {
	return r.snapshots[stocktakeID][snapKey(productID, locationKey)], nil
}

func (r *memoryRepo) MovementDelta(_ context.Context, productID int64, locationKey string, from, to time.Time) (int64, error) {
	var sum int64
	for _, e := range r.ledger {
		if e.productID == productID && e.locationKey == locationKey && e.at.After(from) && !e.at.After(to) {
			sum += e.delta
		}
	}
	return sum, nil
}

func (r *memoryRepo) UpsertCountItem(_ context.Context, item CountItem) (CountItem, error) {
	var stocktakeID uuid.UUID
	for id, procs := range r.processes {
		for _, cp := range procs {
			if cp.ID == item.ProcessID {
				stocktakeID = id
			}
		}
	}
	if r.items[stocktakeID] == nil {
		r.items[stocktakeID] = map[string]CountItem{}
	}
	key := item.ProcessID.String() + "|" + strconv.FormatInt(item.ProductID, 10)
	if prev, ok := r.items[stocktakeID][key]; ok {
		item.ID = prev.ID
	}
	r.items[stocktakeID][key] = item
	return item, nil
}

func (r *memoryRepo) ItemsForStocktake(_ context.Context, stocktakeID uuid.UUID) ([]CountItem, map[uuid.UUID]CountingProcess, error) {
	items := []CountItem{}
	for _, item := range r.items[stocktakeID] {
		items = append(items, item)
	}
	processes := map[uuid.UUID]CountingProcess{}
	for _, cp := range r.processes[stocktakeID] {
		processes[cp.ID] = cp
	}
	return items, processes, nil
}

func (r *memoryRepo) CompleteStocktake(_ context.Context, id uuid.UUID, completedAt time.Time, summary []SummaryRow) error {
	st, ok := r.stocktakes[id]
	if !ok {
		return ErrNotFound
	}
	if st.Status != StatusActive {
		return ErrNotActive
	}
	st.Status = StatusCompleted
	st.CompletedAt = &completedAt
	r.stocktakes[id] = st
	r.summaries[id] = summary
	return nil
}

func (r *memoryRepo) Summary(_ context.Context, id uuid.UUID) ([]SummaryRow, error) {
	return r.summaries[id], nil
}

func (r *memoryRepo) ListActiveStartedBefore(_ context.Context, cutoff time.Time) ([]Stocktake, error) {
	out := []Stocktake{}
	for _, st := range r.stocktakes {
		if st.Status == StatusActive && st.StartedAt.Before(cutoff) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (r *memoryRepo) seedSnapshot(stocktakeID uuid.UUID, productID int64, loc location.StockLocation, qty int64) {
	if r.snapshots[stocktakeID] == nil {
		r.snapshots[stocktakeID] = map[string]int64{}
	}
	r.snapshots[stocktakeID][snapKey(productID, loc.Key())] = qty
}

type memoryLedger struct {
	appended []stock.AppendInput
}

func (l *memoryLedger) AppendMovementBatch(_ context.Context, inputs []stock.AppendInput) ([]stock.Movement, error) {
	l.appended = append(l.appended, inputs...)
	return make([]stock.Movement, len(inputs)), nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T) (*Service, *memoryRepo, *memoryLedger, *clock) {
	t.Helper()
	repo := newMemoryRepo()
	ledger := &memoryLedger{}
	svc := NewService(repo, ledger, nil)
	c := &clock{t: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
	svc.WithNow(c.now)
	return svc, repo, ledger, c
}

func TestRecordCountReconstructsExpectedAtCountTime(t *testing.T) {
	svc, repo, _, c := newTestService(t)
	ctx := context.Background()

	st, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	bin := int64(7)
	loc := location.BinLocation(bin)
	repo.seedSnapshot(st.ID, 42, loc, 10)

	// Stock moved after the stocktake started but before counting.
	repo.ledger = append(repo.ledger, ledgerEntry{productID: 42, locationKey: loc.Key(), delta: 5, at: c.t.Add(time.Hour)})
	c.advance(2 * time.Hour)

	item, err := svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 42, ProductVersionID: 1, BinLocationID: &bin, CountedQuantity: 14})
	require.NoError(t, err)
	require.Equal(t, int64(15), item.ExpectedQuantity)
	require.Equal(t, int64(14), item.CountedQuantity)
}

func TestMovementsAfterCountTimeAreExcluded(t *testing.T) {
	svc, repo, _, c := newTestService(t)
	ctx := context.Background()

	st, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	bin := int64(3)
	loc := location.BinLocation(bin)
	repo.seedSnapshot(st.ID, 9, loc, 20)
	repo.ledger = append(repo.ledger, ledgerEntry{productID: 9, locationKey: loc.Key(), delta: -8, at: c.t.Add(3 * time.Hour)})
	c.advance(time.Hour)

	item, err := svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 9, ProductVersionID: 1, BinLocationID: &bin, CountedQuantity: 20})
	require.NoError(t, err)
	require.Equal(t, int64(20), item.ExpectedQuantity)
}

func TestRecountMergesIntoSingleItem(t *testing.T) {
	svc, repo, _, c := newTestService(t)
	ctx := context.Background()

	st, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	bin := int64(5)
	first, err := svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 1, ProductVersionID: 1, BinLocationID: &bin, CountedQuantity: 3})
	require.NoError(t, err)

	c.advance(10 * time.Minute)
	second, err := svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 1, ProductVersionID: 1, BinLocationID: &bin, CountedQuantity: 4})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	items, _, err := repo.ItemsForStocktake(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(4), items[0].CountedQuantity)
	require.True(t, items[0].CountedAt.After(first.CountedAt))
}

func TestUnknownLocationCountsShareOneProcess(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	a, err := svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 1, ProductVersionID: 1, CountedQuantity: 2})
	require.NoError(t, err)
	b, err := svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 2, ProductVersionID: 1, CountedQuantity: 6})
	require.NoError(t, err)
	require.Equal(t, a.ProcessID, b.ProcessID)
	require.Len(t, repo.processes[st.ID], 1)
	require.Nil(t, repo.processes[st.ID][0].BinLocationID)
}

func TestNegativeCountRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	st, err := svc.Start(context.Background(), 1)
	require.NoError(t, err)

	_, err = svc.RecordCount(context.Background(), CountInput{StocktakeID: st.ID, ProductID: 1, ProductVersionID: 1, CountedQuantity: -1})
	require.ErrorIs(t, err, ErrInvalidCount)
}

func TestCompleteSummarisesAndLocksStocktake(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	bin := int64(2)
	repo.seedSnapshot(st.ID, 7, location.BinLocation(bin), 10)
	_, err = svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 7, ProductVersionID: 1, BinLocationID: &bin, CountedQuantity: 8})
	require.NoError(t, err)

	summary, err := svc.Complete(ctx, st.ID, false, 99)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	require.Equal(t, int64(8), summary[0].CountedQuantity)
	require.Equal(t, int64(10), summary[0].ExpectedQuantity)
	require.Equal(t, int64(-2), summary[0].Difference)
	require.InDelta(t, -20.0, summary[0].DifferencePct, 0.001)

	got, err := svc.Get(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Further mutations are rejected.
	_, err = svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 7, ProductVersionID: 1, BinLocationID: &bin, CountedQuantity: 9})
	require.ErrorIs(t, err, ErrNotActive)
	_, err = svc.Complete(ctx, st.ID, false, 99)
	require.ErrorIs(t, err, ErrNotActive)
}

func TestCompleteAppendsCorrections(t *testing.T) {
	svc, repo, ledger, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.Start(ctx, 4)
	require.NoError(t, err)

	shortBin, surplusBin := int64(1), int64(2)
	repo.seedSnapshot(st.ID, 7, location.BinLocation(shortBin), 10)
	repo.seedSnapshot(st.ID, 8, location.BinLocation(surplusBin), 3)

	_, err = svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 7, ProductVersionID: 2, BinLocationID: &shortBin, CountedQuantity: 6})
	require.NoError(t, err)
	_, err = svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 8, ProductVersionID: 1, BinLocationID: &surplusBin, CountedQuantity: 5})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, st.ID, true, 12)
	require.NoError(t, err)
	require.Len(t, ledger.appended, 2)

	correction := location.ReferenceFor(location.Special(location.SpecialStockCorrection))
	byProduct := map[int64]stock.AppendInput{}
	for _, in := range ledger.appended {
		byProduct[in.Product.ProductID] = in
		require.NotEqual(t, in.MovementID.String(), uuid.Nil.String())
		require.NotNil(t, in.ProcessID)
		require.Equal(t, int64(12), in.ActorID)
	}

	// Shortage books out of the bin into stock_correction.
	short := byProduct[7]
	require.Equal(t, int64(4), short.Quantity)
	require.Equal(t, int64(2), short.Product.VersionID)
	require.Equal(t, correction, short.Destination)
	require.NotEmpty(t, short.SourceSnapshot)

	// Surplus books from stock_correction into the bin.
	surplus := byProduct[8]
	require.Equal(t, int64(2), surplus.Quantity)
	require.Equal(t, correction, surplus.Source)
	require.NotEmpty(t, surplus.DestinationSnapshot)
}

func TestCompleteWithMatchingCountsAppendsNothing(t *testing.T) {
	svc, repo, ledger, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.Start(ctx, 4)
	require.NoError(t, err)

	bin := int64(1)
	repo.seedSnapshot(st.ID, 7, location.BinLocation(bin), 10)
	_, err = svc.RecordCount(ctx, CountInput{StocktakeID: st.ID, ProductID: 7, ProductVersionID: 1, BinLocationID: &bin, CountedQuantity: 10})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, st.ID, true, 1)
	require.NoError(t, err)
	require.Empty(t, ledger.appended)
}

func TestRecordCountUnknownStocktake(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.RecordCount(context.Background(), CountInput{StocktakeID: uuid.New(), ProductID: 1, ProductVersionID: 1, CountedQuantity: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpireStaleCompletesAbandonedStocktakes(t *testing.T) {
	svc, _, ledger, c := newTestService(t)
	ctx := context.Background()

	stale, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	c.advance(40 * time.Hour)
	fresh, err := svc.Start(ctx, 2)
	require.NoError(t, err)

	expired, err := svc.ExpireStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{stale.ID}, expired)
	require.Empty(t, ledger.appended)

	got, err := svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	got, err = svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
}

func TestWriteCSVSummary(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []SummaryRow{
		{ProductID: 7, CountedQuantity: 8, ExpectedQuantity: 10, Difference: -2, DifferencePct: -20},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "product_id,counted_quantity,expected_quantity,difference,difference_pct", lines[0])
	require.Equal(t, "7,8,10,-2,-20.00", lines[1])
}

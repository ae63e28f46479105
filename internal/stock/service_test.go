package stock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stockroom-erp/stockroom/internal/location"
	"github.com/stockroom-erp/stockroom/internal/product"
)

type memoryState struct {
	movements  []Movement
	hashes     map[uuid.UUID]string
	stocks     map[string]int64
	batchStock map[string]int64
	batchPhys  map[int64]int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		movements:  append([]Movement(nil), s.movements...),
		hashes:     map[uuid.UUID]string{},
		stocks:     map[string]int64{},
		batchStock: map[string]int64{},
		batchPhys:  map[int64]int64{},
	}
	for k, v := range s.hashes {
		c.hashes[k] = v
	}
	for k, v := range s.stocks {
		c.stocks[k] = v
	}
	for k, v := range s.batchStock {
		c.batchStock[k] = v
	}
	for k, v := range s.batchPhys {
		c.batchPhys[k] = v
	}
	return c
}

// memoryRepo implements RepositoryPort with copy-on-write transactions so a
// failed callback leaves the committed state untouched.
type memoryRepo struct {
	state        *memoryState
	products     map[product.Ref]bool
	binWarehouse map[int64]int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: &memoryState{
			hashes:     map[uuid.UUID]string{},
			stocks:     map[string]int64{},
			batchStock: map[string]int64{},
			batchPhys:  map[int64]int64{},
		},
		products:     map[product.Ref]bool{},
		binWarehouse: map[int64]int64{},
	}
}

func recordKey(productID int64, loc location.StockLocation) string {
	return fmt.Sprintf("%d|%s", productID, loc.Key())
}

type memoryTx struct {
	repo  *memoryRepo
	state *memoryState
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	staged := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: staged}); err != nil {
		return err
	}
	r.state = staged
	return nil
}

func (t *memoryTx) ProductExists(ctx context.Context, ref product.Ref) (bool, error) {
	return t.repo.products[ref], nil
}

func (t *memoryTx) InsertMovement(ctx context.Context, m Movement, payloadHash string) (bool, error) {
	if _, ok := t.state.hashes[m.ID]; ok {
		return false, nil
	}
	t.state.movements = append(t.state.movements, m)
	t.state.hashes[m.ID] = payloadHash
	return true, nil
}

func (t *memoryTx) GetMovementHash(ctx context.Context, id uuid.UUID) (string, error) {
	hash, ok := t.state.hashes[id]
	if !ok {
		return "", ErrMovementNotFound
	}
	return hash, nil
}

func (t *memoryTx) ApplyDelta(ctx context.Context, productID int64, loc location.StockLocation, delta int64) error {
	t.state.stocks[recordKey(productID, loc)] += delta
	return nil
}

func (t *memoryTx) GetRecordQuantity(ctx context.Context, productID int64, loc location.StockLocation) (int64, error) {
	return t.state.stocks[recordKey(productID, loc)], nil
}

func (t *memoryTx) BatchAllocatedQuantity(ctx context.Context, productID int64, loc location.StockLocation) (int64, error) {
	var sum int64
	prefix := recordKey(productID, loc)
	for key, qty := range t.state.batchStock {
		if key[strIndex(key, '|')+1:] == prefix {
			sum += qty
		}
	}
	return sum, nil
}

func strIndex(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func (t *memoryTx) InsertBatchAllocation(ctx context.Context, movementID uuid.UUID, productID int64, loc location.StockLocation, alloc BatchAllocation) error {
	t.state.batchStock[fmt.Sprintf("%d|%s", alloc.BatchID, recordKey(productID, loc))] += alloc.Quantity
	t.state.batchPhys[alloc.BatchID] += alloc.Quantity
	return nil
}

func (r *memoryRepo) GetStock(ctx context.Context, productID int64, loc location.StockLocation) (int64, error) {
	return r.state.stocks[recordKey(productID, loc)], nil
}

func (r *memoryRepo) GetWarehouseStock(ctx context.Context, productID, warehouseID int64) (int64, error) {
	total := r.state.stocks[recordKey(productID, location.Warehouse(warehouseID))]
	for binID, whID := range r.binWarehouse {
		if whID == warehouseID {
			total += r.state.stocks[recordKey(productID, location.BinLocation(binID))]
		}
	}
	return total, nil
}

func (r *memoryRepo) GetMovement(ctx context.Context, id uuid.UUID) (Movement, error) {
	for _, m := range r.state.movements {
		if m.ID == id {
			return m, nil
		}
	}
	return Movement{}, ErrMovementNotFound
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	var out []Movement
	for _, m := range r.state.movements {
		if m.Product.ProductID == filter.ProductID {
			out = append(out, m)
		}
	}
	return out, len(out), nil
}

func (r *memoryRepo) Rebuild(ctx context.Context, scope RebuildScope) error {
	for key := range r.state.stocks {
		if scope.ProductID == 0 || key[:strIndex(key, '|')] == fmt.Sprint(scope.ProductID) {
			delete(r.state.stocks, key)
		}
	}
	for _, m := range r.state.movements {
		if scope.ProductID != 0 && m.Product.ProductID != scope.ProductID {
			continue
		}
		r.state.stocks[recordKey(m.Product.ProductID, m.Source)] -= m.Quantity
		r.state.stocks[recordKey(m.Product.ProductID, m.Destination)] += m.Quantity
	}
	return nil
}

var testProduct = product.Ref{ProductID: 1, VersionID: 1}

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	repo.products[testProduct] = true
	repo.binWarehouse[11] = 100
	repo.binWarehouse[12] = 100
	svc := NewService(repo, nil, nil, nil, nil)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return svc, repo
}

func specialRef(name string) location.Reference {
	return location.ReferenceFor(location.Special(name))
}

func snapshot(label string) []byte {
	return []byte(fmt.Sprintf(`{"label":%q}`, label))
}

func appendSimple(t *testing.T, svc *Service, qty int64, src, dst location.StockLocation) Movement {
	t.Helper()
	input := AppendInput{
		Product:     testProduct,
		Quantity:    qty,
		Source:      location.ReferenceFor(src),
		Destination: location.ReferenceFor(dst),
	}
	if !src.IsSpecial() {
		input.SourceSnapshot = snapshot(src.Key())
	}
	if !dst.IsSpecial() {
		input.DestinationSnapshot = snapshot(dst.Key())
	}
	m, err := svc.AppendMovement(context.Background(), input)
	require.NoError(t, err)
	return m
}

func TestAppendUpdatesProjectionBothSides(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bin := location.BinLocation(11)

	appendSimple(t, svc, 10, location.Special(location.SpecialUnknown), bin)
	qty, err := svc.GetStock(ctx, 1, bin)
	require.NoError(t, err)
	require.Equal(t, int64(10), qty)

	order := location.Order(7)
	appendSimple(t, svc, 4, bin, order)

	qty, err = svc.GetStock(ctx, 1, bin)
	require.NoError(t, err)
	require.Equal(t, int64(6), qty)

	qty, err = svc.GetStock(ctx, 1, order)
	require.NoError(t, err)
	require.Equal(t, int64(4), qty)
}

func TestProjectionEqualsLedgerSum(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	locs := []location.StockLocation{
		location.Special(location.SpecialUnknown),
		location.BinLocation(11),
		location.BinLocation(12),
		location.Warehouse(100),
		location.Order(1),
	}
	quantities := []int64{10, 3, 7, 2, 5, 1, 8}
	for i, qty := range quantities {
		appendSimple(t, svc, qty, locs[i%len(locs)], locs[(i+2)%len(locs)])
	}

	for _, loc := range locs {
		var want int64
		for _, m := range repo.state.movements {
			if m.Destination.Equal(loc) {
				want += m.Quantity
			}
			if m.Source.Equal(loc) {
				want -= m.Quantity
			}
		}
		got, err := svc.GetStock(ctx, 1, loc)
		require.NoError(t, err)
		require.Equal(t, want, got, "location %s", loc)
	}
}

func TestRebuildIsIdempotentOracle(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	appendSimple(t, svc, 10, location.Special(location.SpecialInitialisation), location.BinLocation(11))
	appendSimple(t, svc, 4, location.BinLocation(11), location.Order(1))
	appendSimple(t, svc, 2, location.BinLocation(11), location.Special(location.SpecialScrapped))

	before := map[string]int64{}
	for k, v := range repo.state.stocks {
		before[k] = v
	}

	require.NoError(t, repo.Rebuild(ctx, RebuildScope{}))

	for key, want := range before {
		require.Equal(t, want, repo.state.stocks[key], "row %s", key)
	}
	for key, got := range repo.state.stocks {
		if got != 0 {
			require.Equal(t, before[key], got, "row %s", key)
		}
	}
}

func TestIdempotentReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := uuid.New()
	bin := location.BinLocation(11)
	input := AppendInput{
		MovementID:          id,
		Product:             testProduct,
		Quantity:            5,
		Source:              specialRef(location.SpecialUnknown),
		Destination:         location.ReferenceFor(bin),
		DestinationSnapshot: snapshot("bin 11"),
	}

	_, err := svc.AppendMovement(ctx, input)
	require.NoError(t, err)
	_, err = svc.AppendMovement(ctx, input)
	require.NoError(t, err, "identical replay must be a no-op success")

	qty, err := svc.GetStock(ctx, 1, bin)
	require.NoError(t, err)
	require.Equal(t, int64(5), qty, "replay must not double-count")
}

func TestReplayWithDifferentPayloadFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := uuid.New()
	input := AppendInput{
		MovementID:          id,
		Product:             testProduct,
		Quantity:            5,
		Source:              specialRef(location.SpecialUnknown),
		Destination:         location.ReferenceFor(location.BinLocation(11)),
		DestinationSnapshot: snapshot("bin 11"),
	}
	_, err := svc.AppendMovement(ctx, input)
	require.NoError(t, err)

	input.Quantity = 6
	_, err = svc.AppendMovement(ctx, input)
	require.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestReplayWithDifferentActorFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	input := AppendInput{
		MovementID:          uuid.New(),
		Product:             testProduct,
		Quantity:            5,
		ActorID:             7,
		Source:              specialRef(location.SpecialUnknown),
		Destination:         location.ReferenceFor(location.BinLocation(11)),
		DestinationSnapshot: snapshot("bin 11"),
	}
	_, err := svc.AppendMovement(ctx, input)
	require.NoError(t, err)

	input.ActorID = 8
	_, err = svc.AppendMovement(ctx, input)
	require.ErrorIs(t, err, ErrPayloadMismatch, "same id under a different actor is a diverging payload")
}

func TestAppendRejectsInvalidLocation(t *testing.T) {
	svc, _ := newTestService(t)
	warehouseID := int64(1)
	binID := int64(2)
	_, err := svc.AppendMovement(context.Background(), AppendInput{
		Product:  testProduct,
		Quantity: 1,
		Source: location.Reference{
			Kind:          location.KindWarehouse,
			WarehouseID:   &warehouseID,
			BinLocationID: &binID,
		},
		Destination: specialRef(location.SpecialUnknown),
	})
	require.ErrorIs(t, err, location.ErrInvalidReference)
}

func TestAppendRejectsUnknownProduct(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AppendMovement(context.Background(), AppendInput{
		Product:             product.Ref{ProductID: 99, VersionID: 1},
		Quantity:            1,
		Source:              specialRef(location.SpecialUnknown),
		Destination:         location.ReferenceFor(location.BinLocation(11)),
		DestinationSnapshot: snapshot("bin"),
	})
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestAppendRejectsNonPositiveQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	for _, qty := range []int64{0, -5} {
		_, err := svc.AppendMovement(context.Background(), AppendInput{
			Product:     testProduct,
			Quantity:    qty,
			Source:      specialRef(location.SpecialUnknown),
			Destination: specialRef(location.SpecialStockCorrection),
		})
		require.ErrorIs(t, err, ErrInvalidQuantity)
	}
}

func TestAppendRequiresSnapshotForPhysicalLocation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AppendMovement(context.Background(), AppendInput{
		Product:     testProduct,
		Quantity:    1,
		Source:      specialRef(location.SpecialUnknown),
		Destination: location.ReferenceFor(location.BinLocation(11)),
	})
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	_, err = svc.AppendMovement(context.Background(), AppendInput{
		Product:             testProduct,
		Quantity:            1,
		Source:              specialRef(location.SpecialUnknown),
		Destination:         location.ReferenceFor(location.BinLocation(11)),
		DestinationSnapshot: []byte(`{not json`),
	})
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestBatchAppendIsAllOrNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bin := location.BinLocation(11)
	good := AppendInput{
		Product:             testProduct,
		Quantity:            3,
		Source:              specialRef(location.SpecialUnknown),
		Destination:         location.ReferenceFor(bin),
		DestinationSnapshot: snapshot("bin"),
	}
	bad := good
	bad.Product = product.Ref{ProductID: 99, VersionID: 1}

	_, err := svc.AppendMovementBatch(ctx, []AppendInput{good, bad})
	require.ErrorIs(t, err, product.ErrNotFound)

	qty, err := svc.GetStock(ctx, 1, bin)
	require.NoError(t, err)
	require.Zero(t, qty, "failed batch must not leave partial projection updates")
}

func TestNegativeStockTolerated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bin := location.BinLocation(11)
	appendSimple(t, svc, 4, bin, location.Order(1))

	qty, err := svc.GetStock(ctx, 1, bin)
	require.NoError(t, err)
	require.Equal(t, int64(-4), qty, "oversell yields transiently negative projection")
}

func TestBatchAllocationExceedingRecordFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bin := location.BinLocation(11)

	_, err := svc.AppendMovement(ctx, AppendInput{
		Product:             testProduct,
		Quantity:            5,
		Source:              specialRef(location.SpecialUnknown),
		Destination:         location.ReferenceFor(bin),
		DestinationSnapshot: snapshot("bin"),
		Batches:             []BatchAllocation{{BatchID: 1, Quantity: 6, Origin: AllocationOriginUser}},
	})
	require.ErrorIs(t, err, ErrBatchQuantityExceeded)

	qty, err := svc.GetStock(ctx, 1, bin)
	require.NoError(t, err)
	require.Zero(t, qty, "rejected allocation must roll the whole append back")
}

func TestBatchAllocationWithinRecordSucceeds(t *testing.T) {
	svc, repo := newTestService(t)
	_, err := svc.AppendMovement(context.Background(), AppendInput{
		Product:             testProduct,
		Quantity:            5,
		Source:              specialRef(location.SpecialUnknown),
		Destination:         location.ReferenceFor(location.BinLocation(11)),
		DestinationSnapshot: snapshot("bin"),
		Batches: []BatchAllocation{
			{BatchID: 1, Quantity: 3, Origin: AllocationOriginSystem},
			{BatchID: 2, Quantity: 2, Origin: AllocationOriginUser},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), repo.state.batchPhys[1])
	require.Equal(t, int64(2), repo.state.batchPhys[2])
}

func TestGetWarehouseStockAggregatesBins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	appendSimple(t, svc, 10, location.Special(location.SpecialUnknown), location.BinLocation(11))
	appendSimple(t, svc, 5, location.Special(location.SpecialUnknown), location.BinLocation(12))
	appendSimple(t, svc, 2, location.Special(location.SpecialUnknown), location.Warehouse(100))

	qty, err := svc.GetWarehouseStock(ctx, 1, 100)
	require.NoError(t, err)
	require.Equal(t, int64(17), qty)
}

// tombstoneCache mimics the redis KV contract: Invalidate leaves a marker
// that hides the key and refuses SetIfAbsent until cleared.
type tombstoneCache struct {
	values    map[string]string
	tombstone map[string]bool
}

func newTombstoneCache() *tombstoneCache {
	return &tombstoneCache{values: map[string]string{}, tombstone: map[string]bool{}}
}

func (c *tombstoneCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c.tombstone[key] {
		return "", false, nil
	}
	val, ok := c.values[key]
	return val, ok, nil
}

func (c *tombstoneCache) SetIfAbsent(ctx context.Context, key, value string) error {
	if c.tombstone[key] {
		return nil
	}
	if _, ok := c.values[key]; !ok {
		c.values[key] = value
	}
	return nil
}

func (c *tombstoneCache) Invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(c.values, key)
		c.tombstone[key] = true
	}
	return nil
}

func (c *tombstoneCache) expire() {
	c.tombstone = map[string]bool{}
}

func TestAppendInvalidationOutlivesInFlightRead(t *testing.T) {
	repo := newMemoryRepo()
	repo.products[testProduct] = true
	cache := newTombstoneCache()
	svc := NewService(repo, nil, cache, nil, nil)
	ctx := context.Background()
	bin := location.BinLocation(11)
	key := stockCacheKey(1, bin)

	appendSimple(t, svc, 5, location.Special(location.SpecialUnknown), bin)

	// A read that queried the projection before the append committed tries
	// to store the pre-append quantity after the invalidation ran.
	require.NoError(t, cache.SetIfAbsent(ctx, key, "0"))

	qty, err := svc.GetStock(ctx, 1, bin)
	require.NoError(t, err)
	require.Equal(t, int64(5), qty, "stale repopulation must not win over the append")

	// After the tombstone window the fresh value is cached normally.
	cache.expire()
	qty, err = svc.GetStock(ctx, 1, bin)
	require.NoError(t, err)
	require.Equal(t, int64(5), qty)
	cached, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", cached)
}

package allocator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"warehouse-allocator/internal/allocator"
	"warehouse-allocator/internal/models"
	"warehouse-allocator/internal/store"
)

var (
	t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
)

type recordingListener struct {
	mu          sync.Mutex
	allocations []*models.Allocation
}

func (l *recordingListener) OnAllocated(_ context.Context, a *models.Allocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allocations = append(l.allocations, a)
}

type recordingObserver struct {
	mu      sync.Mutex
	reasons []allocator.Reason
}

func (o *recordingObserver) ObserveAllocation(reason allocator.Reason, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, reason)
}

// untouchableStore fails the test if a transaction is opened.
type untouchableStore struct {
	t *testing.T
}

func (s untouchableStore) WithinTx(context.Context, allocator.TxFunc) error {
	s.t.Fatal("store must not be accessed")
	return nil
}

// faultyStore runs on a MemoryStore but overrides the order close.
type faultyStore struct {
	*store.MemoryStore
	closeRows int64
	closeErr  error
}

func (s *faultyStore) WithinTx(ctx context.Context, fn allocator.TxFunc) error {
	return s.MemoryStore.WithinTx(ctx, func(ctx context.Context, tx allocator.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, rows: s.closeRows, err: s.closeErr})
	})
}

type faultyTx struct {
	allocator.Tx
	rows int64
	err  error
}

func (t *faultyTx) MarkOrderFulfilled(context.Context, int64, time.Time) (int64, error) {
	return t.rows, t.err
}

// newStore holds product 1 (unit price 12.25), warehouse 1 and the given
// orders for product 1.
func newStore(t *testing.T, orders ...*models.Order) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateProduct(ctx, &models.Product{Name: "Abacus", Price: decimal.RequireFromString("12.25")}))
	require.NoError(t, s.CreateWarehouse(ctx, &models.Warehouse{Name: "Warsaw", Address: "Kwiatowa 12"}))
	for _, o := range orders {
		if o.ProductID == 0 {
			o.ProductID = 1
		}
		require.NoError(t, s.CreateOrder(ctx, o))
	}
	return s
}

func request(amount int, createdAt time.Time) models.AllocationRequest {
	return models.AllocationRequest{ProductID: 1, WarehouseID: 1, Amount: amount, CreatedAt: createdAt}
}

func TestAllocate_FulfillsOrder(t *testing.T) {
	s := newStore(t, &models.Order{Amount: 5, CreatedAt: t0})
	listener := &recordingListener{}
	observer := &recordingObserver{}
	a := allocator.New(s, allocator.WithListeners(listener), allocator.WithObserver(observer))

	alloc, err := a.Allocate(context.Background(), request(5, t1))
	require.NoError(t, err)

	assert.Equal(t, int64(1), alloc.ID)
	assert.Equal(t, int64(1), alloc.OrderID)
	assert.Equal(t, 5, alloc.Amount)
	assert.True(t, decimal.RequireFromString("61.25").Equal(alloc.Price), alloc.Price.String())
	assert.True(t, t1.Equal(alloc.CreatedAt))

	order, err := s.GetOrder(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, order.FulfilledAt)
	assert.True(t, t1.Equal(*order.FulfilledAt))

	require.Len(t, listener.allocations, 1)
	assert.Equal(t, alloc.ID, listener.allocations[0].ID)
	assert.Equal(t, []allocator.Reason{""}, observer.reasons)
}

func TestAllocate_InvalidAmountSkipsStore(t *testing.T) {
	observer := &recordingObserver{}
	a := allocator.New(untouchableStore{t: t}, allocator.WithObserver(observer))

	for _, amount := range []int{0, -1} {
		_, err := a.Allocate(context.Background(), request(amount, t1))

		var validationErr *allocator.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "amount", validationErr.Field)
		assert.Equal(t, allocator.ReasonInvalidAmount, allocator.ReasonOf(err))
	}
	assert.Equal(t, []allocator.Reason{allocator.ReasonInvalidAmount, allocator.ReasonInvalidAmount}, observer.reasons)
}

func TestAllocate_NotFound(t *testing.T) {
	tests := []struct {
		name   string
		req    models.AllocationRequest
		reason allocator.Reason
	}{
		{"unknown product", models.AllocationRequest{ProductID: 9, WarehouseID: 1, Amount: 5, CreatedAt: t1}, allocator.ReasonProductNotFound},
		{"unknown warehouse", models.AllocationRequest{ProductID: 1, WarehouseID: 9, Amount: 5, CreatedAt: t1}, allocator.ReasonWarehouseNotFound},
		{"order larger than amount", request(4, t1), allocator.ReasonNoFulfillableOrder},
		{"order not older than request", request(5, t0), allocator.ReasonNoFulfillableOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, &models.Order{Amount: 5, CreatedAt: t0})
			listener := &recordingListener{}
			a := allocator.New(s, allocator.WithListeners(listener))

			_, err := a.Allocate(context.Background(), tt.req)

			var notFound *allocator.NotFoundError
			require.ErrorAs(t, err, &notFound)
			assert.Equal(t, tt.reason, notFound.Reason)
			assert.Empty(t, s.Allocations())
			assert.Empty(t, listener.allocations)

			order, err := s.GetOrder(context.Background(), 1)
			require.NoError(t, err)
			assert.Nil(t, order.FulfilledAt)
		})
	}
}

func TestAllocate_PicksEarliestThenLowestID(t *testing.T) {
	s := newStore(t,
		&models.Order{Amount: 3, CreatedAt: t0.Add(time.Hour)},
		&models.Order{Amount: 5, CreatedAt: t0},
		&models.Order{Amount: 4, CreatedAt: t0},
		&models.Order{Amount: 9, CreatedAt: t0.Add(-time.Hour)},
	)
	a := allocator.New(s)

	// Order 4 is oldest but larger than the amount; 2 and 3 tie on time.
	var got []int64
	for i := 0; i < 3; i++ {
		alloc, err := a.Allocate(context.Background(), request(5, t1))
		require.NoError(t, err)
		got = append(got, alloc.OrderID)
	}
	assert.Equal(t, []int64{2, 3, 1}, got)

	_, err := a.Allocate(context.Background(), request(5, t1))
	assert.Equal(t, allocator.ReasonNoFulfillableOrder, allocator.ReasonOf(err))
}

func TestAllocate_AlreadyFulfilledOrderConflicts(t *testing.T) {
	closedAt := t0.Add(time.Hour)
	s := newStore(t, &models.Order{Amount: 5, CreatedAt: t0, FulfilledAt: &closedAt})
	a := allocator.New(s)

	_, err := a.Allocate(context.Background(), request(5, t1))

	var conflict *allocator.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.OrderID)
	assert.Equal(t, allocator.ReasonAlreadyFulfilled, allocator.ReasonOf(err))
	assert.Empty(t, s.Allocations())
}

func TestAllocate_CloseFailureRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		rows   int64
		err    error
		reason allocator.Reason
	}{
		{"zero rows", 0, nil, allocator.ReasonAlreadyFulfilled},
		{"store error", 0, errors.New("connection reset"), allocator.ReasonInternal},
		{"write conflict", 0, allocator.ErrWriteConflict, allocator.ReasonAlreadyFulfilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newStore(t, &models.Order{Amount: 5, CreatedAt: t0})
			listener := &recordingListener{}
			a := allocator.New(&faultyStore{MemoryStore: mem, closeRows: tt.rows, closeErr: tt.err}, allocator.WithListeners(listener))

			_, err := a.Allocate(context.Background(), request(5, t1))
			require.Error(t, err)
			assert.Equal(t, tt.reason, allocator.ReasonOf(err))
			if tt.err != nil && tt.reason == allocator.ReasonInternal {
				var persistence *allocator.PersistenceError
				require.ErrorAs(t, err, &persistence)
				assert.Equal(t, "close order", persistence.Op)
				assert.ErrorIs(t, err, tt.err)
			}

			assert.Empty(t, mem.Allocations())
			assert.Empty(t, listener.allocations)
			order, err := mem.GetOrder(context.Background(), 1)
			require.NoError(t, err)
			assert.Nil(t, order.FulfilledAt)
		})
	}
}

func TestAllocate_ConcurrentRequestsFulfillOnce(t *testing.T) {
	s := newStore(t, &models.Order{Amount: 5, CreatedAt: t0})
	a := allocator.New(s)

	const workers = 16
	var (
		committed atomic.Int32
		notFound  atomic.Int32
		g         errgroup.Group
	)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := a.Allocate(context.Background(), request(5, t1))
			switch allocator.ReasonOf(err) {
			case "":
				committed.Add(1)
			case allocator.ReasonNoFulfillableOrder, allocator.ReasonAlreadyFulfilled:
				notFound.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), committed.Load())
	assert.Equal(t, int32(workers-1), notFound.Load())
	assert.Len(t, s.Allocations(), 1)
}

func TestAllocate_CancelledContext(t *testing.T) {
	s := newStore(t, &models.Order{Amount: 5, CreatedAt: t0})
	a := allocator.New(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Allocate(ctx, request(5, t1))
	assert.Equal(t, allocator.ReasonInternal, allocator.ReasonOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Allocations())
}

func TestNotify_ReachesListeners(t *testing.T) {
	first, second := &recordingListener{}, &recordingListener{}
	a := allocator.New(untouchableStore{t: t}, allocator.WithListeners(first, second))

	alloc := &models.Allocation{ID: 4, WarehouseID: 1, ProductID: 1, OrderID: 2, Amount: 5, CreatedAt: t1}
	a.Notify(context.Background(), alloc)

	require.Len(t, first.allocations, 1)
	require.Len(t, second.allocations, 1)
	assert.Same(t, alloc, first.allocations[0])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "matching_order", allocator.StateMatchingOrder.String())
	assert.Equal(t, "committed", allocator.StateCommitted.String())
	assert.Equal(t, "unknown", allocator.State(42).String())
}

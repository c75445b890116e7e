package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"warehouse-allocator/internal/allocator"
	"warehouse-allocator/internal/models"
)

// MemoryStore keeps the catalog, orders and allocations in process. A
// transaction holds the store lock from begin to commit, so transactions are
// serial; writes are staged and applied only on commit.
type MemoryStore struct {
	mu          sync.Mutex
	products    map[int64]models.Product
	warehouses  map[int64]models.Warehouse
	orders      map[int64]models.Order
	allocations []models.Allocation

	lastProductID    int64
	lastWarehouseID  int64
	lastOrderID      int64
	lastAllocationID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:   make(map[int64]models.Product),
		warehouses: make(map[int64]models.Warehouse),
		orders:     make(map[int64]models.Order),
	}
}

// WithinTx implements allocator.Store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn allocator.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:      s,
		closed: make(map[int64]time.Time),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, a := range tx.pending {
		s.allocations = append(s.allocations, a)
		s.lastAllocationID = a.ID
	}
	for id, at := range tx.closed {
		o := s.orders[id]
		fulfilledAt := at
		o.FulfilledAt = &fulfilledAt
		s.orders[id] = o
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) CreateProduct(_ context.Context, p *models.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProductID++
	p.ID = s.lastProductID
	s.products[p.ID] = *p
	return nil
}

func (s *MemoryStore) CreateWarehouse(_ context.Context, w *models.Warehouse) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWarehouseID++
	w.ID = s.lastWarehouseID
	s.warehouses[w.ID] = *w
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *models.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[o.ProductID]; !ok {
		return fmt.Errorf("product %d does not exist", o.ProductID)
	}
	s.lastOrderID++
	o.ID = s.lastOrderID
	s.orders[o.ID] = *o
	return nil
}

// Seed loads data and returns the number of rows written.
func (s *MemoryStore) Seed(ctx context.Context, data *DemoData) (int, error) {
	seeded := 0
	for _, p := range data.Products {
		if err := s.CreateProduct(ctx, p); err != nil {
			return seeded, err
		}
		seeded++
	}
	for _, w := range data.Warehouses {
		if err := s.CreateWarehouse(ctx, w); err != nil {
			return seeded, err
		}
		seeded++
	}
	for _, o := range data.Orders {
		if err := s.CreateOrder(ctx, o); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) ListProducts(_ context.Context) ([]*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	products := make([]*models.Product, 0, len(s.products))
	for _, p := range s.products {
		p := p
		products = append(products, &p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (s *MemoryStore) ListWarehouses(_ context.Context) ([]*models.Warehouse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	warehouses := make([]*models.Warehouse, 0, len(s.warehouses))
	for _, w := range s.warehouses {
		w := w
		warehouses = append(warehouses, &w)
	}
	sort.Slice(warehouses, func(i, j int) bool { return warehouses[i].ID < warehouses[j].ID })
	return warehouses, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// Allocations returns a copy of every committed allocation.
func (s *MemoryStore) Allocations() []models.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Allocation, len(s.allocations))
	copy(out, s.allocations)
	return out
}

type memoryTx struct {
	s       *MemoryStore
	pending []models.Allocation
	closed  map[int64]time.Time
}

func (t *memoryTx) ProductExists(_ context.Context, productID int64) (bool, error) {
	_, ok := t.s.products[productID]
	return ok, nil
}

func (t *memoryTx) WarehouseExists(_ context.Context, warehouseID int64) (bool, error) {
	_, ok := t.s.warehouses[warehouseID]
	return ok, nil
}

func (t *memoryTx) referenced(orderID int64) bool {
	for _, a := range t.s.allocations {
		if a.OrderID == orderID {
			return true
		}
	}
	for _, a := range t.pending {
		if a.OrderID == orderID {
			return true
		}
	}
	return false
}

func (t *memoryTx) FindFulfillableOrder(_ context.Context, productID int64, amount int, before time.Time) (*models.OrderMatch, error) {
	var best *models.Order
	for id := range t.s.orders {
		o := t.s.orders[id]
		if o.ProductID != productID || o.Amount > amount || !o.CreatedAt.Before(before) {
			continue
		}
		if t.referenced(o.ID) {
			continue
		}
		if best == nil || o.CreatedAt.Before(best.CreatedAt) ||
			(o.CreatedAt.Equal(best.CreatedAt) && o.ID < best.ID) {
			best = &o
		}
	}
	if best == nil {
		return nil, nil
	}
	return &models.OrderMatch{
		OrderID:   best.ID,
		UnitPrice: t.s.products[productID].Price,
	}, nil
}

func (t *memoryTx) IsOrderFulfilled(_ context.Context, orderID int64) (bool, error) {
	if t.referenced(orderID) {
		return true, nil
	}
	if _, ok := t.closed[orderID]; ok {
		return true, nil
	}
	o, ok := t.s.orders[orderID]
	return ok && o.FulfilledAt != nil, nil
}

func (t *memoryTx) InsertAllocation(_ context.Context, a *models.Allocation) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if t.referenced(a.OrderID) {
		return 0, fmt.Errorf("%w: order %d already has an allocation", allocator.ErrWriteConflict, a.OrderID)
	}
	if _, ok := t.s.orders[a.OrderID]; !ok {
		return 0, fmt.Errorf("order %d does not exist", a.OrderID)
	}
	row := *a
	row.ID = t.s.lastAllocationID + int64(len(t.pending)) + 1
	t.pending = append(t.pending, row)
	return row.ID, nil
}

func (t *memoryTx) MarkOrderFulfilled(_ context.Context, orderID int64, fulfilledAt time.Time) (int64, error) {
	o, ok := t.s.orders[orderID]
	if !ok || o.FulfilledAt != nil {
		return 0, nil
	}
	if _, done := t.closed[orderID]; done {
		return 0, nil
	}
	t.closed[orderID] = fulfilledAt
	return 1, nil
}

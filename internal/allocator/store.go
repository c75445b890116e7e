package allocator

import (
	"context"
	"time"

	"warehouse-allocator/internal/models"
)

// Tx is the set of store operations the allocator issues. Every call made
// through one Tx belongs to the same transaction.
type Tx interface {
	ProductExists(ctx context.Context, productID int64) (bool, error)
	WarehouseExists(ctx context.Context, warehouseID int64) (bool, error)

	// FindFulfillableOrder returns the open order for productID with
	// amount <= amount and created_at < before that no allocation references,
	// earliest created_at first then lowest id. It returns nil when there is
	// none. The returned order stays locked until the transaction ends.
	FindFulfillableOrder(ctx context.Context, productID int64, amount int, before time.Time) (*models.OrderMatch, error)

	IsOrderFulfilled(ctx context.Context, orderID int64) (bool, error)
	InsertAllocation(ctx context.Context, a *models.Allocation) (int64, error)

	// MarkOrderFulfilled sets fulfilled_at only while it is still null and
	// returns the number of rows changed.
	MarkOrderFulfilled(ctx context.Context, orderID int64, fulfilledAt time.Time) (int64, error)
}

// TxFunc runs inside a transaction. Returning an error rolls it back.
type TxFunc func(ctx context.Context, tx Tx) error

// Store opens transactions. Implementations commit when fn returns nil and
// roll back otherwise.
type Store interface {
	WithinTx(ctx context.Context, fn TxFunc) error
}

// Listener is notified after an allocation has been committed.
type Listener interface {
	OnAllocated(ctx context.Context, a *models.Allocation)
}

// Observer receives allocation outcomes for metrics.
type Observer interface {
	ObserveAllocation(reason Reason, duration time.Duration)
}

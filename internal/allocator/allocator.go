package allocator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"warehouse-allocator/internal/models"
)

// State is a step of the allocation state machine.
type State int

const (
	StateValidating State = iota
	StateCheckingEligibility
	StateMatchingOrder
	StateWritingAllocation
	StateClosingOrder
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateCheckingEligibility:
		return "checking_eligibility"
	case StateMatchingOrder:
		return "matching_order"
	case StateWritingAllocation:
		return "writing_allocation"
	case StateClosingOrder:
		return "closing_order"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Allocator matches incoming stock against open orders and fulfills them.
// Eligibility check, order match, allocation insert and order close run in
// one store transaction, so an order is fulfilled at most once.
type Allocator struct {
	store     Store
	logger    *zap.Logger
	observer  Observer
	listeners []Listener
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithObserver records the outcome of every call.
func WithObserver(o Observer) Option {
	return func(a *Allocator) {
		a.observer = o
	}
}

// WithListeners registers listeners notified after each commit.
func WithListeners(listeners ...Listener) Option {
	return func(a *Allocator) {
		for _, l := range listeners {
			if l != nil {
				a.listeners = append(a.listeners, l)
			}
		}
	}
}

func New(store Store, opts ...Option) *Allocator {
	a := &Allocator{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate places req.Amount units of the product into the warehouse against
// one eligible order and returns the committed allocation.
func (a *Allocator) Allocate(ctx context.Context, req models.AllocationRequest) (*models.Allocation, error) {
	start := time.Now()
	alloc, state, err := a.allocate(ctx, req)
	elapsed := time.Since(start)

	if a.observer != nil {
		a.observer.ObserveAllocation(ReasonOf(err), elapsed)
	}

	fields := []zap.Field{
		zap.Int64("product_id", req.ProductID),
		zap.Int64("warehouse_id", req.WarehouseID),
		zap.Int("amount", req.Amount),
		zap.Stringer("state", state),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		if ReasonOf(err) == ReasonInternal {
			a.logger.Error("allocation failed", append(fields, zap.Error(err))...)
		} else {
			a.logger.Info("allocation rejected", append(fields, zap.String("reason", string(ReasonOf(err))))...)
		}
		return nil, err
	}

	a.logger.Info("allocation committed", append(fields,
		zap.Int64("allocation_id", alloc.ID),
		zap.Int64("order_id", alloc.OrderID),
		zap.String("price", alloc.Price.String()),
	)...)

	a.Notify(ctx, alloc)
	return alloc, nil
}

// Notify hands a committed allocation to the registered listeners. Allocate
// calls it itself; other write paths call it after their own commit.
func (a *Allocator) Notify(ctx context.Context, alloc *models.Allocation) {
	for _, l := range a.listeners {
		l.OnAllocated(ctx, alloc)
	}
}

func (a *Allocator) allocate(ctx context.Context, req models.AllocationRequest) (*models.Allocation, State, error) {
	state := StateValidating
	if req.Amount <= 0 {
		return nil, state, &ValidationError{Field: "amount", Reason: ReasonInvalidAmount}
	}

	var (
		alloc   *models.Allocation
		orderID int64
	)
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		state = StateCheckingEligibility
		ok, err := tx.ProductExists(ctx, req.ProductID)
		if err != nil {
			return storeError("check product", 0, err)
		}
		if !ok {
			return &NotFoundError{Reason: ReasonProductNotFound, ID: req.ProductID}
		}
		ok, err = tx.WarehouseExists(ctx, req.WarehouseID)
		if err != nil {
			return storeError("check warehouse", 0, err)
		}
		if !ok {
			return &NotFoundError{Reason: ReasonWarehouseNotFound, ID: req.WarehouseID}
		}

		state = StateMatchingOrder
		match, err := tx.FindFulfillableOrder(ctx, req.ProductID, req.Amount, req.CreatedAt)
		if err != nil {
			return storeError("find order", 0, err)
		}
		if match == nil {
			return &NotFoundError{Reason: ReasonNoFulfillableOrder, ID: req.ProductID}
		}
		orderID = match.OrderID

		fulfilled, err := tx.IsOrderFulfilled(ctx, orderID)
		if err != nil {
			return storeError("check order", orderID, err)
		}
		if fulfilled {
			return &ConflictError{OrderID: orderID}
		}

		state = StateWritingAllocation
		candidate := &models.Allocation{
			WarehouseID: req.WarehouseID,
			ProductID:   req.ProductID,
			OrderID:     orderID,
			Amount:      req.Amount,
			Price:       models.TotalPrice(match.UnitPrice, req.Amount),
			CreatedAt:   req.CreatedAt,
		}
		id, err := tx.InsertAllocation(ctx, candidate)
		if err != nil {
			return storeError("insert allocation", orderID, err)
		}
		candidate.ID = id

		state = StateClosingOrder
		n, err := tx.MarkOrderFulfilled(ctx, orderID, req.CreatedAt)
		if err != nil {
			return storeError("close order", orderID, err)
		}
		if n != 1 {
			return &ConflictError{OrderID: orderID}
		}

		alloc = candidate
		return nil
	})
	if err != nil {
		return nil, state, storeError("commit", orderID, err)
	}
	return alloc, StateCommitted, nil
}

// storeError passes typed allocator errors through and classifies anything
// else coming from the store.
func storeError(op string, orderID int64, err error) error {
	var (
		validationErr  *ValidationError
		notFoundErr    *NotFoundError
		conflictErr    *ConflictError
		persistenceErr *PersistenceError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &notFoundErr),
		errors.As(err, &conflictErr), errors.As(err, &persistenceErr):
		return err
	case errors.Is(err, ErrWriteConflict):
		return &ConflictError{OrderID: orderID, Err: err}
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}

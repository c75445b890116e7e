package store

import (
	"context"
	"database/sql"

	"warehouse-allocator/internal/allocator"
	"warehouse-allocator/internal/models"
)

// AddProductToWarehouseProc runs the whole allocation inside the server-side
// function add_product_to_warehouse and reads back the row it wrote. When the
// function returns NULL the cause is looked up in the same transaction and
// returned as an *allocator.NotFoundError.
func (s *PostgresStore) AddProductToWarehouseProc(ctx context.Context, req models.AllocationRequest) (*models.Allocation, error) {
	var alloc *models.Allocation
	err := s.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var id sql.NullInt64
		err := tx.QueryRowContext(
			ctx,
			`SELECT add_product_to_warehouse($1, $2, $3, $4)`,
			req.ProductID,
			req.WarehouseID,
			req.Amount,
			req.CreatedAt,
		).Scan(&id)
		if err != nil {
			return classify(err)
		}
		if !id.Valid {
			return notFulfilled(ctx, &allocationTx{tx: tx}, req)
		}

		alloc, err = readAllocation(ctx, tx, id.Int64)
		return err
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func notFulfilled(ctx context.Context, tx *allocationTx, req models.AllocationRequest) error {
	ok, err := tx.ProductExists(ctx, req.ProductID)
	if err != nil {
		return err
	}
	if !ok {
		return &allocator.NotFoundError{Reason: allocator.ReasonProductNotFound, ID: req.ProductID}
	}
	ok, err = tx.WarehouseExists(ctx, req.WarehouseID)
	if err != nil {
		return err
	}
	if !ok {
		return &allocator.NotFoundError{Reason: allocator.ReasonWarehouseNotFound, ID: req.WarehouseID}
	}
	return &allocator.NotFoundError{Reason: allocator.ReasonNoFulfillableOrder, ID: req.ProductID}
}

func readAllocation(ctx context.Context, tx *sql.Tx, id int64) (*models.Allocation, error) {
	query := `
		SELECT id_product_warehouse, id_warehouse, id_product, id_order, amount, price, created_at
		FROM product_warehouse
		WHERE id_product_warehouse = $1
	`
	var a models.Allocation
	err := tx.QueryRowContext(ctx, query, id).Scan(
		&a.ID,
		&a.WarehouseID,
		&a.ProductID,
		&a.OrderID,
		&a.Amount,
		&a.Price,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

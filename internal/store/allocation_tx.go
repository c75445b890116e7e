package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"warehouse-allocator/internal/models"
)

// allocationTx runs the allocator's queries on one *sql.Tx.
type allocationTx struct {
	tx *sql.Tx
}

func (t *allocationTx) ProductExists(ctx context.Context, productID int64) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM product WHERE id_product = $1)`
	var exists bool
	err := t.tx.QueryRowContext(ctx, query, productID).Scan(&exists)
	return exists, classify(err)
}

func (t *allocationTx) WarehouseExists(ctx context.Context, warehouseID int64) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM warehouse WHERE id_warehouse = $1)`
	var exists bool
	err := t.tx.QueryRowContext(ctx, query, warehouseID).Scan(&exists)
	return exists, classify(err)
}

func (t *allocationTx) FindFulfillableOrder(ctx context.Context, productID int64, amount int, before time.Time) (*models.OrderMatch, error) {
	query := `
		SELECT o.id_order, p.price
		FROM orders o
		JOIN product p ON p.id_product = o.id_product
		WHERE o.id_product = $1
		  AND o.amount <= $2
		  AND o.created_at < $3
		  AND NOT EXISTS (
			SELECT 1 FROM product_warehouse pw WHERE pw.id_order = o.id_order
		  )
		ORDER BY o.created_at ASC, o.id_order ASC
		LIMIT 1
		FOR UPDATE OF o
	`

	var m models.OrderMatch
	err := t.tx.QueryRowContext(ctx, query, productID, amount, before).Scan(&m.OrderID, &m.UnitPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &m, nil
}

func (t *allocationTx) IsOrderFulfilled(ctx context.Context, orderID int64) (bool, error) {
	query := `
		SELECT EXISTS(SELECT 1 FROM product_warehouse WHERE id_order = $1)
		    OR EXISTS(SELECT 1 FROM orders WHERE id_order = $1 AND fulfilled_at IS NOT NULL)
	`
	var fulfilled bool
	err := t.tx.QueryRowContext(ctx, query, orderID).Scan(&fulfilled)
	return fulfilled, classify(err)
}

func (t *allocationTx) InsertAllocation(ctx context.Context, a *models.Allocation) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	query := `
		INSERT INTO product_warehouse (id_warehouse, id_product, id_order, amount, price, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id_product_warehouse
	`

	var id int64
	err := t.tx.QueryRowContext(
		ctx,
		query,
		a.WarehouseID,
		a.ProductID,
		a.OrderID,
		a.Amount,
		a.Price,
		a.CreatedAt,
	).Scan(&id)
	return id, classify(err)
}

func (t *allocationTx) MarkOrderFulfilled(ctx context.Context, orderID int64, fulfilledAt time.Time) (int64, error) {
	query := `
		UPDATE orders
		SET fulfilled_at = $1
		WHERE id_order = $2 AND fulfilled_at IS NULL
	`
	res, err := t.tx.ExecContext(ctx, query, fulfilledAt, orderID)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AllocationRequest asks to place Amount units of a product into a warehouse.
type AllocationRequest struct {
	ProductID   int64     `json:"idProduct"`
	WarehouseID int64     `json:"idWarehouse"`
	Amount      int       `json:"amount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Allocation is a Product_Warehouse record: stock committed to one order.
type Allocation struct {
	ID          int64           `json:"idProductWarehouse"`
	WarehouseID int64           `json:"idWarehouse"`
	ProductID   int64           `json:"idProduct"`
	OrderID     int64           `json:"idOrder"`
	Amount      int             `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TotalPrice returns unitPrice × amount.
func TotalPrice(unitPrice decimal.Decimal, amount int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(amount)))
}

func (a *Allocation) Validate() error {
	if a.Amount <= 0 {
		return errors.New("amount must be greater than 0")
	}
	if a.OrderID == 0 {
		return errors.New("order id is required")
	}
	if a.Price.IsNegative() {
		return errors.New("price cannot be negative")
	}
	if a.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	return nil
}

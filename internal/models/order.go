package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a customer order created upstream. FulfilledAt stays nil until an
// allocation closes it and is never changed afterwards.
type Order struct {
	ID          int64      `json:"idOrder"`
	ProductID   int64      `json:"idProduct"`
	Amount      int        `json:"amount"`
	CreatedAt   time.Time  `json:"createdAt"`
	FulfilledAt *time.Time `json:"fulfilledAt"`
}

func (o *Order) Validate() error {
	if o.Amount <= 0 {
		return errors.New("amount must be greater than 0")
	}
	if o.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	if o.FulfilledAt != nil && o.FulfilledAt.Before(o.CreatedAt) {
		return errors.New("fulfilled_at cannot precede created_at")
	}
	return nil
}

// IsOpen reports whether the order still awaits fulfillment.
func (o *Order) IsOpen() bool {
	return o.FulfilledAt == nil
}

// OrderMatch is the order selected to be fulfilled together with the unit
// price of its product.
type OrderMatch struct {
	OrderID   int64
	UnitPrice decimal.Decimal
}

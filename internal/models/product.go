package models

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          int64           `json:"idProduct"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
}

func (p *Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("product name is required")
	}
	if p.Price.IsNegative() {
		return errors.New("price cannot be negative")
	}
	return nil
}

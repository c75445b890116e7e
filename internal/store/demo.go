package store

import (
	"time"

	"github.com/shopspring/decimal"

	"warehouse-allocator/internal/models"
)

// DemoData is a small catalog used by SEED_DEMO_DATA and the memory driver.
type DemoData struct {
	Products   []*models.Product
	Warehouses []*models.Warehouse
	Orders     []*models.Order
}

// NewDemoData builds the demo catalog. Ids are assigned in insertion order
// starting at 1, so orders reference products by position.
func NewDemoData(now time.Time) *DemoData {
	day := 24 * time.Hour
	return &DemoData{
		Products: []*models.Product{
			{Name: "Abacus", Description: "Wooden counting frame", Price: decimal.RequireFromString("25.50")},
			{Name: "Shower", Description: "Rain shower head", Price: decimal.RequireFromString("45.00")},
			{Name: "Laptop", Description: "14 inch notebook", Price: decimal.RequireFromString("899.99")},
		},
		Warehouses: []*models.Warehouse{
			{Name: "Warsaw", Address: "Kwiatowa 12, Warszawa"},
			{Name: "Gdansk", Address: "Portowa 3, Gdansk"},
		},
		Orders: []*models.Order{
			{ProductID: 1, Amount: 125, CreatedAt: now.Add(-30 * day)},
			{ProductID: 2, Amount: 220, CreatedAt: now.Add(-20 * day)},
			{ProductID: 3, Amount: 10, CreatedAt: now.Add(-10 * day)},
			{ProductID: 1, Amount: 50, CreatedAt: now.Add(-5 * day)},
		},
	}
}

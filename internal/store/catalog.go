package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"warehouse-allocator/internal/models"
)

// CatalogStore serves read-only lookups of products, warehouses and orders,
// plus the inserts used to seed a development database.
type CatalogStore struct {
	db *sql.DB
}

func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

func (s *CatalogStore) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	query := `
		SELECT id_product, name, description, price
		FROM product
		WHERE id_product = $1
	`

	var p models.Product
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Description, &p.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *CatalogStore) ListProducts(ctx context.Context) ([]*models.Product, error) {
	query := `SELECT id_product, name, description, price FROM product ORDER BY id_product`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price); err != nil {
			return nil, err
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}

func (s *CatalogStore) ListWarehouses(ctx context.Context) ([]*models.Warehouse, error) {
	query := `SELECT id_warehouse, name, address FROM warehouse ORDER BY id_warehouse`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var warehouses []*models.Warehouse
	for rows.Next() {
		var w models.Warehouse
		if err := rows.Scan(&w.ID, &w.Name, &w.Address); err != nil {
			return nil, err
		}
		warehouses = append(warehouses, &w)
	}
	return warehouses, rows.Err()
}

func (s *CatalogStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	query := `
		SELECT id_order, id_product, amount, created_at, fulfilled_at
		FROM orders
		WHERE id_order = $1
	`

	var (
		o           models.Order
		fulfilledAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&o.ID, &o.ProductID, &o.Amount, &o.CreatedAt, &fulfilledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fulfilledAt.Valid {
		o.FulfilledAt = &fulfilledAt.Time
	}
	return &o, nil
}

func (s *CatalogStore) CreateProduct(ctx context.Context, p *models.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO product (name, description, price)
		VALUES ($1, $2, $3)
		RETURNING id_product
	`
	return s.db.QueryRowContext(ctx, query, p.Name, p.Description, p.Price).Scan(&p.ID)
}

func (s *CatalogStore) CreateWarehouse(ctx context.Context, w *models.Warehouse) error {
	if err := w.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO warehouse (name, address)
		VALUES ($1, $2)
		RETURNING id_warehouse
	`
	return s.db.QueryRowContext(ctx, query, w.Name, w.Address).Scan(&w.ID)
}

func (s *CatalogStore) CreateOrder(ctx context.Context, o *models.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO orders (id_product, amount, created_at, fulfilled_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id_order
	`
	return s.db.QueryRowContext(ctx, query, o.ProductID, o.Amount, o.CreatedAt, o.FulfilledAt).Scan(&o.ID)
}

func (s *CatalogStore) isEmpty(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM product)`).Scan(&exists)
	return !exists, err
}

// SeedDemoData inserts the demo catalog when the product table is empty and
// returns the number of rows written.
func (s *CatalogStore) SeedDemoData(ctx context.Context, data *DemoData) (int, error) {
	empty, err := s.isEmpty(ctx)
	if err != nil {
		return 0, fmt.Errorf("checking catalog: %w", err)
	}
	if !empty {
		return 0, nil
	}

	seeded := 0
	for _, p := range data.Products {
		if err := s.CreateProduct(ctx, p); err != nil {
			return seeded, fmt.Errorf("creating product %s: %w", p.Name, err)
		}
		seeded++
	}
	for _, w := range data.Warehouses {
		if err := s.CreateWarehouse(ctx, w); err != nil {
			return seeded, fmt.Errorf("creating warehouse %s: %w", w.Name, err)
		}
		seeded++
	}
	for _, o := range data.Orders {
		if err := s.CreateOrder(ctx, o); err != nil {
			return seeded, fmt.Errorf("creating order for product %d: %w", o.ProductID, err)
		}
		seeded++
	}
	return seeded, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"warehouse-allocator/internal/allocator"
)

type TxFunc func(ctx context.Context, tx *sql.Tx) error

func (s *PostgresStore) WithTransaction(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: s.isolation,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %v, rollback failed: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}

	return nil
}

// WithinTx implements allocator.Store.
func (s *PostgresStore) WithinTx(ctx context.Context, fn allocator.TxFunc) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &allocationTx{tx: tx})
	})
}

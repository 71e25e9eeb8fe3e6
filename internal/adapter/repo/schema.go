package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"mockupforge/internal/sqlinline"
)

// EnsureSchema applies the pipeline DDL idempotently. The worker runs this at
// startup so a fresh database is usable without a separate migration step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, sqlinline.Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

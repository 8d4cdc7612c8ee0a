package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// ExitStore implements domain.ExitLog on the exit_executions table.
type ExitStore struct {
	pool *pgxpool.Pool
}

// NewExitStore creates a store on pool.
func NewExitStore(pool *pgxpool.Pool) *ExitStore {
	return &ExitStore{pool: pool}
}

// Append inserts exec. Re-appending the same id is a no-op.
func (s *ExitStore) Append(ctx context.Context, exec domain.ExitExecution) error {
	const query = `
		INSERT INTO exit_executions (
			id, position_id, token_address, exit_price, quantity_sold,
			realized_pnl, realized_pnl_pct, exit_reason, execution_time,
			tx_reference, gas_used, slippage_actual, partial, estimated
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		exec.ID, exec.PositionID, exec.TokenAddress, exec.ExitPrice, exec.QuantitySold,
		exec.RealizedPnL, exec.RealizedPnLPct, string(exec.ExitReason), exec.ExecutionTime,
		exec.TxReference, exec.GasUsed, exec.SlippageActual, exec.Partial, exec.Estimated,
	)
	if err != nil {
		return fmt.Errorf("postgres: append exit execution %s: %w", exec.ID, err)
	}
	return nil
}

// List returns all executions in append order.
func (s *ExitStore) List(ctx context.Context) ([]domain.ExitExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, position_id, token_address, exit_price, quantity_sold,
			realized_pnl, realized_pnl_pct, exit_reason, execution_time,
			tx_reference, gas_used, slippage_actual, partial, estimated
		FROM exit_executions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exit executions: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ExitExecution, error) {
		var (
			e      domain.ExitExecution
			reason string
		)
		err := row.Scan(
			&e.ID, &e.PositionID, &e.TokenAddress, &e.ExitPrice, &e.QuantitySold,
			&e.RealizedPnL, &e.RealizedPnLPct, &reason, &e.ExecutionTime,
			&e.TxReference, &e.GasUsed, &e.SlippageActual, &e.Partial, &e.Estimated,
		)
		e.ExitReason = domain.ExitReason(reason)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan exit executions: %w", err)
	}
	return out, nil
}

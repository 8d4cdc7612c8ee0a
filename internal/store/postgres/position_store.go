package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// PositionStore implements domain.PositionStore with the active_positions
// and closed_positions tables.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a store on pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, token_address, entry_price, current_price, quantity,
	unrealized_pnl, unrealized_pnl_pct, stop_loss, take_profit_levels,
	trailing_stop, max_price_seen, entry_time, last_update, original_wallet,
	confidence_score`

func positionArgs(p domain.Position) []any {
	levels := p.TakeProfitLevels
	if levels == nil {
		levels = []float64{}
	}
	return []any{
		p.ID, p.TokenAddress, p.EntryPrice, p.CurrentPrice, p.Quantity,
		p.UnrealizedPnL, p.UnrealizedPnLPct, p.StopLoss, levels,
		p.TrailingStop, p.MaxPriceSeen, p.EntryTime, p.LastUpdate, p.OriginalWallet,
		p.ConfidenceScore,
	}
}

func positionDest(p *domain.Position) []any {
	return []any{
		&p.ID, &p.TokenAddress, &p.EntryPrice, &p.CurrentPrice, &p.Quantity,
		&p.UnrealizedPnL, &p.UnrealizedPnLPct, &p.StopLoss, &p.TakeProfitLevels,
		&p.TrailingStop, &p.MaxPriceSeen, &p.EntryTime, &p.LastUpdate, &p.OriginalWallet,
		&p.ConfidenceScore,
	}
}

// Load returns both collections, active in stored order and closed in
// closing order.
func (s *PositionStore) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot

	rows, err := s.pool.Query(ctx, `SELECT `+positionCols+` FROM active_positions ORDER BY position_order`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: load active positions: %w", err)
	}
	snap.Active, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Position, error) {
		var p domain.Position
		err := row.Scan(positionDest(&p)...)
		p.IsActive = true
		return p, err
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: scan active positions: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT `+positionCols+`,
		exit_price, realized_pnl, realized_pnl_pct, exit_reason, closed_at, tx_reference
		FROM closed_positions ORDER BY seq`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: load closed positions: %w", err)
	}
	snap.Closed, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ClosedPosition, error) {
		var (
			c      domain.ClosedPosition
			reason string
		)
		dest := append(positionDest(&c.Position),
			&c.ExitPrice, &c.RealizedPnL, &c.RealizedPnLPct, &reason, &c.ClosedAt, &c.TxReference)
		err := row.Scan(dest...)
		c.ExitReason = domain.ExitReason(reason)
		return c, err
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return snap, nil
}

// Save rewrites the active table and inserts closed rows not yet stored,
// in one transaction.
func (s *PositionStore) Save(ctx context.Context, snap domain.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM active_positions`)
	for i, p := range snap.Active {
		args := append(positionArgs(p), i)
		batch.Queue(`INSERT INTO active_positions (`+positionCols+`, position_order)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`, args...)
	}
	for _, c := range snap.Closed {
		args := append(positionArgs(c.Position),
			c.ExitPrice, c.RealizedPnL, c.RealizedPnLPct, string(c.ExitReason), c.ClosedAt, c.TxReference)
		batch.Queue(`INSERT INTO closed_positions (`+positionCols+`,
			exit_price, realized_pnl, realized_pnl_pct, exit_reason, closed_at, tx_reference)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			ON CONFLICT (id) DO NOTHING`, args...)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: save positions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit positions: %w", err)
	}
	return nil
}

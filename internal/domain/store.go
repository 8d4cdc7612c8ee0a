package domain

import "context"

// PositionStore durably persists the two position collections. Save always
// receives the complete state and rewrites it; Load returns it verbatim.
type PositionStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// ExitLog is the append-only audit trail of exit executions.
type ExitLog interface {
	Append(ctx context.Context, exec ExitExecution) error
	List(ctx context.Context) ([]ExitExecution, error)
}

// OrderExecutor submits sell orders to the exchange. Implementations never
// retry; a returned error means nothing may be assumed sold.
type OrderExecutor interface {
	Sell(ctx context.Context, order SellOrder) (Fill, error)
}

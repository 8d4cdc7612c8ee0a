package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// PaperClient simulates sells for paper trading: market orders fill at the
// reference price less a fixed slippage, limit orders at the limit price.
type PaperClient struct {
	slippagePct float64
	feeRate     float64
	logger      *slog.Logger
	now         func() time.Time
}

// NewPaperClient creates a simulated executor. slippagePct is in percent
// (0.1 = 0.1%), feeRate is a fraction of notional.
func NewPaperClient(slippagePct, feeRate float64, logger *slog.Logger) *PaperClient {
	return &PaperClient{
		slippagePct: slippagePct,
		feeRate:     feeRate,
		logger:      logger.With(slog.String("component", "paper_exchange")),
		now:         time.Now,
	}
}

// Sell fills the whole order immediately.
func (p *PaperClient) Sell(ctx context.Context, order domain.SellOrder) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}
	if order.Quantity <= 0 || order.RefPrice <= 0 {
		return domain.Fill{}, fmt.Errorf("exchange/paper: sell %s: %w", order.Asset, domain.ErrInvalidRequest)
	}

	price := order.RefPrice * (1 - p.slippagePct/100)
	if order.LimitPrice != nil {
		price = *order.LimitPrice
	}
	fill := domain.Fill{
		OrderID:  "paper-" + uuid.NewString(),
		Price:    price,
		Quantity: order.Quantity,
		Fee:      price * order.Quantity * p.feeRate,
		FilledAt: p.now(),
	}

	p.logger.Info("paper sell filled",
		slog.String("asset", order.Asset),
		slog.Float64("quantity", fill.Quantity),
		slog.Float64("price", fill.Price),
	)
	return fill, nil
}

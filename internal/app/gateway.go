package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/exitbot/internal/domain"
	"github.com/alanyoungcy/exitbot/internal/notify"
	"github.com/alanyoungcy/exitbot/internal/service"
)

// positionGateway is the single entry point for new positions, whether they
// arrive over HTTP or the signal bus. It opens the position in the tracker
// and announces it.
type positionGateway struct {
	tracker  *service.PositionTracker
	notifier *notify.Notifier
	logger   *slog.Logger
}

func newPositionGateway(tracker *service.PositionTracker, notifier *notify.Notifier, logger *slog.Logger) *positionGateway {
	return &positionGateway{
		tracker:  tracker,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "gateway")),
	}
}

// Open opens a position and sends a position_opened notification.
func (g *positionGateway) Open(ctx context.Context, req domain.OpenRequest) (domain.Position, error) {
	pos, err := g.tracker.Open(ctx, req)
	if err != nil {
		return domain.Position{}, err
	}
	title, msg := notify.FormatOpened(pos)
	if err := g.notifier.Notify(ctx, notify.EventPositionOpened, title, msg); err != nil {
		g.logger.WarnContext(ctx, "gateway: notify failed",
			slog.String("asset", pos.TokenAddress),
			slog.String("error", err.Error()),
		)
	}
	return pos, nil
}

// exitRequester queues out-of-band exits.
type exitRequester interface {
	RequestExit(ctx context.Context, req domain.ExitRequest) error
}

// consumeOpenRequests opens a position for every OpenRequest message until
// the channel closes.
func (a *App) consumeOpenRequests(ctx context.Context, msgs <-chan []byte, gw *positionGateway) {
	for payload := range msgs {
		var req domain.OpenRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			a.logger.WarnContext(ctx, "malformed open request", slog.String("error", err.Error()))
			continue
		}
		pos, err := gw.Open(ctx, req)
		if err != nil {
			a.logger.WarnContext(ctx, "open request rejected",
				slog.String("asset", req.Asset),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.InfoContext(ctx, "position opened from bus",
			slog.String("asset", pos.TokenAddress),
			slog.String("id", pos.ID),
		)
	}
}

// consumeExitRequests queues every ExitRequest message until the channel
// closes.
func (a *App) consumeExitRequests(ctx context.Context, msgs <-chan []byte, exits exitRequester) {
	for payload := range msgs {
		var req domain.ExitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			a.logger.WarnContext(ctx, "malformed exit request", slog.String("error", err.Error()))
			continue
		}
		if err := exits.RequestExit(ctx, req); err != nil {
			a.logger.WarnContext(ctx, "exit request rejected",
				slog.String("asset", req.Asset),
				slog.String("error", err.Error()),
			)
		}
	}
}

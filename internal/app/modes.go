package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/exitbot/internal/blob/s3"
	"github.com/alanyoungcy/exitbot/internal/config"
	"github.com/alanyoungcy/exitbot/internal/domain"
	"github.com/alanyoungcy/exitbot/internal/executor"
	"github.com/alanyoungcy/exitbot/internal/oracle"
	"github.com/alanyoungcy/exitbot/internal/server"
	"github.com/alanyoungcy/exitbot/internal/server/handler"
	"github.com/alanyoungcy/exitbot/internal/service"
	"github.com/alanyoungcy/exitbot/internal/strategy"
)

// leaderKey is the lock held by the instance that manages positions.
const leaderKey = "exitbot:leader"

// LiveMode monitors positions and sells on the exchange.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.monitor(ctx, deps)
}

// PaperMode monitors positions with simulated fills. Prices are real.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode, orders are simulated")
	return a.monitor(ctx, deps)
}

// monitor builds the services on top of deps and runs every long-lived
// goroutine until ctx is cancelled or one of them fails.
func (a *App) monitor(ctx context.Context, deps *Dependencies) error {
	// Only one instance may own the positions at a time.
	var leader domain.Lock
	if deps.LockManager != nil && a.cfg.Redis.LeaderLock {
		lock, err := a.acquireLeadership(ctx, deps.LockManager, a.cfg.Redis.LockTTL.Duration)
		if err != nil {
			return err
		}
		leader = lock
	}

	trailing, err := strategy.NewTrailingStopManager(a.cfg.TrailingStyles())
	if err != nil {
		releaseLeader(leader)
		return fmt.Errorf("app: trailing stops: %w", err)
	}
	style := strategy.Style(strings.ToLower(a.cfg.Monitor.TrailingStyle))
	distance, err := trailing.Distance(style)
	if err != nil {
		releaseLeader(leader)
		return fmt.Errorf("app: trailing stops: %w", err)
	}
	a.logger.InfoContext(ctx, "trailing stop style",
		slog.String("style", string(style)),
		slog.Float64("distance", distance),
	)

	orc := oracle.New(deps.Sources, oracle.Config{
		CacheTTL:      a.cfg.Oracle.CacheTTL.Duration,
		SourceTimeout: a.cfg.Oracle.SourceTimeout.Duration,
	}, deps.Sink, a.logger)

	tracker := service.NewPositionTracker(deps.PositionStore, deps.SignalBus, positionDefaults(a.cfg.Position), a.logger)
	if err := tracker.Load(ctx); err != nil {
		releaseLeader(leader)
		return fmt.Errorf("app: load positions: %w", err)
	}

	manager := executor.NewExitManager(executor.Deps{
		Oracle:   orc,
		Analyzer: strategy.NewTechnicalAnalyzer(a.cfg.Analyzer.WindowSize, a.cfg.Analyzer.RSIPeriod),
		Trailing: trailing,
		Engine:   strategy.NewExitStrategyEngine(exitThresholds(a.cfg.Exit)),
		Tracker:  tracker,
		Orders:   deps.Orders,
		Audit:    deps.ExitLog,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
	}, executor.Config{
		Interval:        a.cfg.Monitor.Interval.Duration,
		PositionTimeout: a.cfg.Monitor.PositionTimeout.Duration,
		TrailingStyle:   style,
	}, a.logger)

	gateway := newPositionGateway(tracker, deps.Notifier, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	if leader != nil {
		g.Go(func() error {
			return a.holdLeadership(ctx, leader, a.cfg.Redis.LockTTL.Duration)
		})
	}

	g.Go(func() error {
		return manager.Run(ctx)
	})

	if deps.Stream != nil {
		g.Go(func() error {
			return deps.Stream.Run(ctx)
		})
	}

	// Inbound open and exit requests from the entry side.
	if deps.SignalBus != nil {
		opens, err := deps.SignalBus.Subscribe(ctx, domain.ChannelOpenRequest)
		if err != nil {
			a.logger.WarnContext(ctx, "open request subscription failed", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				a.consumeOpenRequests(ctx, opens, gateway)
				return nil
			})
		}

		exits, err := deps.SignalBus.Subscribe(ctx, domain.ChannelExitRequest)
		if err != nil {
			a.logger.WarnContext(ctx, "exit request subscription failed", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				a.consumeExitRequests(ctx, exits, manager)
				return nil
			})
		}
	}

	if deps.BlobWriter != nil {
		archiver := s3blob.NewArchiver(deps.BlobWriter, tracker, deps.ExitLog, a.cfg.Archive.Prefix, a.logger)
		g.Go(func() error {
			return archiver.Run(ctx, a.cfg.Archive.Interval.Duration)
		})
	}

	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
		}, server.Handlers{
			Health:    handler.NewHealthHandler(a.cfg.Mode, manager, deps.HealthChecks, a.logger),
			Positions: handler.NewPositionHandler(tracker, gateway, manager, a.logger),
		}, a.logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	a.logger.InfoContext(ctx, "monitoring positions",
		slog.Int("active", len(tracker.ListActive())),
		slog.Int("sources", len(deps.Sources)),
	)
	return g.Wait()
}

// acquireLeadership blocks until the leader lock is taken or ctx ends.
func (a *App) acquireLeadership(ctx context.Context, locks domain.LockManager, ttl time.Duration) (domain.Lock, error) {
	for {
		lock, err := locks.Acquire(ctx, leaderKey, ttl)
		if err == nil {
			a.logger.InfoContext(ctx, "leader lock acquired", slog.Duration("ttl", ttl))
			return lock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("app: acquire leader lock: %w", err)
		}
		a.logger.InfoContext(ctx, "another instance holds the leader lock, waiting")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ttl / 3):
		}
	}
}

// holdLeadership refreshes the lock every ttl/3 and releases it on exit. A
// lost lock is fatal so two instances never manage the same positions.
func (a *App) holdLeadership(ctx context.Context, lock domain.Lock, ttl time.Duration) error {
	defer lock.Release()

	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := lock.Refresh(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("app: leader lock: %w", err)
			}
		}
	}
}

func releaseLeader(lock domain.Lock) {
	if lock != nil {
		lock.Release()
	}
}

func positionDefaults(c config.PositionConfig) service.PositionDefaults {
	return service.PositionDefaults{
		StopLossRatio:     c.StopLossRatio,
		TakeProfitRatios:  c.TakeProfitRatios,
		TrailingStopRatio: c.TrailingStopRatio,
		ConfidenceScore:   c.ConfidenceScore,
	}
}

func exitThresholds(c config.ExitConfig) strategy.ExitThresholds {
	return strategy.ExitThresholds{
		TakeProfitPct:       c.TakeProfitPct,
		TimeDecayAfter:      c.TimeDecayAfter.Duration,
		TimeDecayMaxPct:     c.TimeDecayMaxPct,
		VolumeSpikeMinPct:   c.VolumeSpikeMinPct,
		VolumeSpikeFraction: c.VolumeSpikeFraction,
		RSIOverbought:       c.RSIOverbought,
		RSIMinPct:           c.RSIMinPct,
		RSIFraction:         c.RSIFraction,
		MomentumThreshold:   c.MomentumThreshold,
		MomentumMinPct:      c.MomentumMinPct,
		MomentumFraction:    c.MomentumFraction,
	}
}

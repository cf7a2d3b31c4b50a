package monitor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"marginbot/internal/domain"
	"marginbot/internal/executor"
	"marginbot/internal/ledger"
	"marginbot/internal/ports"
	"marginbot/internal/positions"
)

// Monitor drives the periodic work: a fast sweep that feeds prices into the
// executor's open-position check, and a slow refresh that re-reconciles the
// daily counter and publishes an account snapshot. Both loops stop on context
// cancellation, after which no further ledger mutations are issued.
type Monitor struct {
	feed     ports.PriceFeed
	executor *executor.Executor
	store    *positions.Store
	ledger   *ledger.Ledger
	logger   ports.Logger
	emitter  ports.EventEmitter

	sweepInterval   time.Duration
	refreshInterval time.Duration
	now             func() time.Time
}

// Config holds the monitor's dependencies and cadences.
type Config struct {
	Feed            ports.PriceFeed
	Executor        *executor.Executor
	Store           *positions.Store
	Ledger          *ledger.Ledger
	Logger          ports.Logger
	Emitter         ports.EventEmitter
	SweepInterval   time.Duration // Default 10s
	RefreshInterval time.Duration // Default 10m
	Now             func() time.Time
}

// New creates a margin monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Feed == nil || cfg.Executor == nil || cfg.Store == nil || cfg.Ledger == nil || cfg.Logger == nil || cfg.Emitter == nil {
		return nil, fmt.Errorf("missing required dependencies for Monitor")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		feed:            cfg.Feed,
		executor:        cfg.Executor,
		store:           cfg.Store,
		ledger:          cfg.Ledger,
		logger:          cfg.Logger,
		emitter:         cfg.Emitter,
		sweepInterval:   cfg.SweepInterval,
		refreshInterval: cfg.RefreshInterval,
		now:             now,
	}, nil
}

// Run starts both loops and blocks until the context is cancelled. The loops
// are independently ticked but share the context, so one cancellation stops
// everything.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.loop(ctx, m.sweepInterval, m.Sweep) })
	g.Go(func() error { return m.loop(ctx, m.refreshInterval, m.Refresh) })

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// loop ticks fn at the given interval until the context is done. A failing
// iteration is logged and the loop keeps going; a sweep that errors once
// must not kill monitoring.
func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				m.logger.Error(ctx, err, "Periodic task failed, will retry next tick")
			}
		}
	}
}

// Sweep fetches prices for every symbol with an open position and runs the
// executor's open-position check. A no-op when nothing is open.
func (m *Monitor) Sweep(ctx context.Context) error {
	symbols := m.store.OpenSymbols()
	if len(symbols) == 0 {
		return nil
	}

	prices, err := m.feed.Prices(ctx, symbols)
	if err != nil {
		return fmt.Errorf("sweep price fetch failed: %w", err)
	}
	if len(prices) == 0 {
		m.logger.Warn(ctx, "Sweep got no prices for open symbols", map[string]interface{}{"symbols": symbols})
		return nil
	}

	closed, err := m.executor.CheckOpenPositions(ctx, prices)
	if err != nil {
		return err
	}
	if len(closed) > 0 {
		m.logger.Info(ctx, "Sweep closed positions", map[string]interface{}{"count": len(closed), "ids": closed})
	}
	return nil
}

// Refresh re-reconciles the daily counter against the store and emits an
// account snapshot for the display layer.
func (m *Monitor) Refresh(ctx context.Context) error {
	if err := m.ledger.ReconcileDailyCount(ctx); err != nil {
		return err
	}

	symbols := m.store.OpenSymbols()
	prices := map[string]float64{}
	if len(symbols) > 0 {
		var err error
		prices, err = m.feed.Prices(ctx, symbols)
		if err != nil {
			// Snapshot still goes out; unrealized PnL falls back to the last
			// computed values.
			m.logger.Warn(ctx, "Refresh price fetch failed, snapshot uses stale PnL", map[string]interface{}{"error": err.Error()})
			prices = map[string]float64{}
		}
	}

	summary := m.executor.Snapshot(prices)
	m.emitter.EmitLog(ctx, domain.LogEvent{
		Message: fmt.Sprintf("account %s: balance %.2f, equity %.2f, margin used %.2f, open %d, unrealized %.2f",
			summary.Name, summary.Balance, summary.Equity, summary.MarginUsed, summary.OpenPositions, summary.UnrealizedPNL),
		Level:  domain.LogLevelInfo,
		Source: "monitor",
		Time:   m.now().UTC(),
	})
	return nil
}

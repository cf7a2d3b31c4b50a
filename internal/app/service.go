package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marginbot/config"
	"marginbot/internal/domain"
	"marginbot/internal/executor"
	"marginbot/internal/ledger"
	"marginbot/internal/monitor"
	"marginbot/internal/ports"
	"marginbot/internal/positions"
)

// Service is the composition root's runtime: it restores persisted state,
// runs the monitor loops, and feeds inbound trading signals into the
// executor until shutdown.
type Service struct {
	cfg      *config.Config
	logger   ports.Logger
	ledger   *ledger.Ledger
	store    *positions.Store
	executor *executor.Executor
	monitor  *monitor.Monitor

	signals chan domain.TradeSignal
}

// NewService creates the application service.
func NewService(
	cfg *config.Config,
	logger ports.Logger,
	led *ledger.Ledger,
	store *positions.Store,
	exec *executor.Executor,
	mon *monitor.Monitor,
) (*Service, error) {
	if cfg == nil || logger == nil || led == nil || store == nil || exec == nil || mon == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	return &Service{
		cfg:      cfg,
		logger:   logger,
		ledger:   led,
		store:    store,
		executor: exec,
		monitor:  mon,
		signals:  make(chan domain.TradeSignal, 16),
	}, nil
}

// Submit hands a trading signal to the service for processing. Returns an
// error when the service is shutting down rather than blocking forever.
func (s *Service) Submit(ctx context.Context, sig domain.TradeSignal) error {
	select {
	case s.signals <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start restores persisted state and runs until the context is cancelled or
// a termination signal arrives. All pending timers are stopped on shutdown
// and no further ledger mutations are issued after it returns.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting trading service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// --- State restoration ---
	if err := s.ledger.Restore(ctx, domain.Account{
		Name:             s.cfg.AccountName,
		InitialBalance:   s.cfg.InitialBalance,
		DailyTradesLimit: s.cfg.DailyTradesLimit,
		MaxPositionSize:  s.cfg.MaxPositionSize,
		RiskPerTrade:     s.cfg.RiskPerTrade,
		MaxLeverage:      s.cfg.MaxLeverage,
	}); err != nil {
		return fmt.Errorf("failed to restore account: %w", err)
	}
	if err := s.store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	if err := s.ledger.ReconcileDailyCount(ctx); err != nil {
		// State is critical here: trading with an unverified counter would
		// let a restart blow through the daily limit.
		return fmt.Errorf("failed initial daily count reconciliation: %w", err)
	}
	if err := s.ledger.SetAlgoStatus(ctx, true); err != nil {
		return fmt.Errorf("failed to mark algo running: %w", err)
	}
	s.logger.Info(ctx, "State restored", map[string]interface{}{
		"balance":       s.ledger.Account().CurrentBalance,
		"openPositions": len(s.store.Open()),
	})

	// --- Monitor loops ---
	monDone := make(chan error, 1)
	go func() {
		monDone <- s.monitor.Run(ctx)
	}()

	// --- Signal intake loop ---
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Context cancelled, initiating shutdown...")
			break loop
		case err := <-monDone:
			if err != nil && err != context.Canceled {
				s.logger.Error(ctx, err, "Monitor stopped unexpectedly")
				runErr = fmt.Errorf("monitor stopped: %w", err)
			}
			break loop
		case sig := <-s.signals:
			opened, err := s.executor.ProcessSignal(ctx, sig)
			if err != nil {
				s.logger.Info(ctx, "Signal did not open a position", map[string]interface{}{
					"symbol": sig.Symbol,
					"reason": err.Error(),
				})
			} else if opened {
				s.logger.Info(ctx, "Signal opened a position", map[string]interface{}{"symbol": sig.Symbol})
			}
		}
	}

	cancel()
	select {
	case <-monDone:
	case <-time.After(5 * time.Second):
		s.logger.Warn(context.Background(), "Timeout waiting for monitor to stop")
	}

	// Best effort on a fresh context: the run context is already cancelled.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.ledger.SetAlgoStatus(stopCtx, false); err != nil {
		s.logger.Error(stopCtx, err, "Failed to mark algo stopped")
	}

	s.logger.Info(context.Background(), "Trading service stopped.")
	return runErr
}

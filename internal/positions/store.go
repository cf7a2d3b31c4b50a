package positions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marginbot/internal/domain"
	"marginbot/internal/ports"
)

// Store owns the collection of positions, open and closed. It keeps one
// canonical id-keyed map plus an insertion-ordered id slice; every operation
// reads and writes through that single structure, and the repository holds
// the durable copy. The store knows nothing about money availability.
type Store struct {
	mu     sync.Mutex
	byID   map[int64]*domain.Position
	order  []int64
	repo   ports.PositionRepository
	logger ports.Logger
	now    func() time.Time
}

// Config holds the store's dependencies.
type Config struct {
	Repo   ports.PositionRepository
	Logger ports.Logger
	Now    func() time.Time // Defaults to time.Now; injectable for tests
}

// NewStore creates a position store. Call Load to sync state from the
// repository before use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Repo == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for position store")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		byID:   make(map[int64]*domain.Position),
		repo:   cfg.Repo,
		logger: cfg.Logger,
		now:    now,
	}, nil
}

// Load replaces the in-memory index with the repository's contents. Called at
// startup so positions opened before a crash are tracked again.
func (s *Store) Load(ctx context.Context) error {
	all, err := s.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[int64]*domain.Position, len(all))
	s.order = s.order[:0]
	open := 0
	for _, p := range all {
		s.byID[p.ID] = p
		s.order = append(s.order, p.ID)
		if p.IsOpen() {
			open++
		}
	}
	s.logger.Info(ctx, "Position store loaded", map[string]interface{}{"total": len(all), "open": open})
	return nil
}

// canOpenLocked reports whether no OPEN position exists for (symbol, side).
// Callers must hold s.mu.
func (s *Store) canOpenLocked(symbol string, side domain.Side) bool {
	for _, p := range s.byID {
		if p.IsOpen() && p.Symbol == symbol && p.Side == side {
			return false
		}
	}
	return true
}

// CanOpen reports whether a new position may be opened for (symbol, side).
func (s *Store) CanOpen(symbol string, side domain.Side) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canOpenLocked(symbol, side)
}

// Create persists and indexes a new position. The position must describe an
// entry: status is forced to OPEN and PnL starts at zero. Rejects a duplicate
// open (symbol, side) pair.
func (s *Store) Create(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canOpenLocked(pos.Symbol, pos.Side) {
		return nil, fmt.Errorf("open %s %s position exists: %w", pos.Symbol, pos.Side, ports.ErrDuplicatePosition)
	}

	pos.Status = domain.StatusOpen
	pos.PNL = 0
	if pos.EntryTime.IsZero() {
		pos.EntryTime = s.now().UTC()
	}

	if _, err := s.repo.Create(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist new position for %s: %w", pos.Symbol, err)
	}

	s.byID[pos.ID] = pos
	s.order = append(s.order, pos.ID)
	s.logger.Info(ctx, "Position opened", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"side":       pos.Side,
		"entryPrice": pos.EntryPrice,
		"quantity":   pos.Quantity,
		"leverage":   pos.Leverage,
	})
	return pos, nil
}

// Close transitions a position OPEN -> CLOSED, the only transition there is.
// A second close attempt fails without side effects: CLOSED is terminal.
// The closed position is returned so the caller can release its margin.
func (s *Store) Close(ctx context.Context, id int64, exitPrice float64, reason domain.CloseReason) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(ctx, id, exitPrice, reason)
}

func (s *Store) closeLocked(ctx context.Context, id int64, exitPrice float64, reason domain.CloseReason) (*domain.Position, error) {
	pos, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %d: %w", id, ports.ErrPositionClosed)
	}

	pos.ExitPrice = exitPrice
	pos.ExitTime = s.now().UTC()
	pos.Status = domain.StatusClosed
	pos.PNL = pos.UnrealizedPNL(exitPrice)
	pos.Notes = string(reason)

	if err := s.repo.Update(ctx, pos); err != nil {
		// Revert so the next sweep can retry the close; nothing was committed.
		pos.ExitPrice = 0
		pos.ExitTime = time.Time{}
		pos.Status = domain.StatusOpen
		pos.Notes = ""
		return nil, fmt.Errorf("failed to persist close of position %d: %w", id, err)
	}

	s.logger.Info(ctx, "Position closed", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     pos.Symbol,
		"exitPrice":  exitPrice,
		"pnl":        pos.PNL,
		"reason":     string(reason),
	})
	return pos, nil
}

// UpdatePnLs recomputes the PnL of every open position whose symbol has a
// price, and persists each. Persistence failures are collected rather than
// aborting the sweep halfway.
func (s *Store) UpdatePnLs(ctx context.Context, prices map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, id := range s.order {
		pos := s.byID[id]
		if !pos.IsOpen() {
			continue
		}
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		pos.PNL = pos.UnrealizedPNL(price)
		if err := s.repo.Update(ctx, pos); err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// TriggerHit identifies a position whose stop-loss or target level has been
// reached, and the price that reached it.
type TriggerHit struct {
	PositionID int64
	Price      float64
	Reason     domain.CloseReason
}

// CheckTriggers compares current prices against each open position's
// stop-loss and target with side-aware comparisons, and returns the positions
// that should close. It does not close them; that is the executor's job,
// since a close must be paired with a margin release.
func (s *Store) CheckTriggers(prices map[string]float64) []TriggerHit {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []TriggerHit
	for _, id := range s.order {
		pos := s.byID[id]
		if !pos.IsOpen() {
			continue
		}
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		if hitStopLoss(pos, price) {
			hits = append(hits, TriggerHit{PositionID: id, Price: price, Reason: domain.CloseReasonStopLoss})
		} else if hitTarget(pos, price) {
			hits = append(hits, TriggerHit{PositionID: id, Price: price, Reason: domain.CloseReasonTarget})
		}
	}
	return hits
}

func hitStopLoss(p *domain.Position, price float64) bool {
	if p.StopLoss == 0 {
		return false
	}
	if p.Side == domain.Long {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

func hitTarget(p *domain.Position, price float64) bool {
	if p.Target == 0 {
		return false
	}
	if p.Side == domain.Long {
		return price >= p.Target
	}
	return price <= p.Target
}

// CheckExpired closes every open position whose holding time has reached
// maxHolding, using the latest available price (entry price when the feed has
// none), and returns the closed positions.
func (s *Store) CheckExpired(ctx context.Context, prices map[string]float64, maxHolding time.Duration) ([]*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var closed []*domain.Position
	var errs []error
	for _, id := range s.order {
		pos := s.byID[id]
		if !pos.IsOpen() || pos.HoldingTime(now) < maxHolding {
			continue
		}
		price, ok := prices[pos.Symbol]
		if !ok {
			price = pos.EntryPrice
		}
		p, err := s.closeLocked(ctx, id, price, domain.CloseReasonExpired)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed = append(closed, p)
	}
	return closed, errors.Join(errs...)
}

// MarginAlertLevel classifies how endangered a leveraged position is.
type MarginAlertLevel string

const (
	AlertMarginCall      MarginAlertLevel = "MARGIN_CALL"
	AlertLiquidationRisk MarginAlertLevel = "LIQUIDATION_RISK"
)

// MarginAlert flags a leveraged position whose posted margin has been eroded
// past a threshold.
type MarginAlert struct {
	PositionID int64
	Symbol     string
	Side       domain.Side
	UsageRatio float64
	Level      MarginAlertLevel
}

// MarginHealth inspects leveraged open positions and flags those whose margin
// usage ratio has reached the call or liquidation thresholds.
func (s *Store) MarginHealth(prices map[string]float64, callThreshold, liquidationThreshold float64) []MarginAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []MarginAlert
	for _, id := range s.order {
		pos := s.byID[id]
		if !pos.IsOpen() || pos.Leverage <= 1 {
			continue
		}
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		ratio := pos.MarginUsageRatio(price)
		switch {
		case ratio >= liquidationThreshold:
			alerts = append(alerts, MarginAlert{PositionID: id, Symbol: pos.Symbol, Side: pos.Side, UsageRatio: ratio, Level: AlertLiquidationRisk})
		case ratio >= callThreshold:
			alerts = append(alerts, MarginAlert{PositionID: id, Symbol: pos.Symbol, Side: pos.Side, UsageRatio: ratio, Level: AlertMarginCall})
		}
	}
	return alerts
}

// Get returns a copy of the position with the given id, or nil.
func (s *Store) Get(id int64) *domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.byID[id]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// Open returns copies of all open positions in entry order.
func (s *Store) Open() []*domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Position
	for _, id := range s.order {
		if pos := s.byID[id]; pos.IsOpen() {
			cp := *pos
			out = append(out, &cp)
		}
	}
	return out
}

// All returns copies of every position in entry order.
func (s *Store) All() []*domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Position, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.byID[id]
		out = append(out, &cp)
	}
	return out
}

// OpenSymbols returns the distinct symbols with at least one open position.
func (s *Store) OpenSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var symbols []string
	for _, id := range s.order {
		pos := s.byID[id]
		if pos.IsOpen() && !seen[pos.Symbol] {
			seen[pos.Symbol] = true
			symbols = append(symbols, pos.Symbol)
		}
	}
	return symbols
}

// Counts returns the number of open and closed positions.
func (s *Store) Counts() (open, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if p.IsOpen() {
			open++
		} else {
			closed++
		}
	}
	return open, closed
}

// UnrealizedPNL sums open-position PnL at the given prices. Positions without
// a price contribute their last computed PnL.
func (s *Store) UnrealizedPNL(prices map[string]float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, p := range s.byID {
		if !p.IsOpen() {
			continue
		}
		if price, ok := prices[p.Symbol]; ok {
			total += p.UnrealizedPNL(price)
		} else {
			total += p.PNL
		}
	}
	return total
}

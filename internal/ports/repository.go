package ports

import (
	"context"
	"time"

	"marginbot/internal/domain"
)

// AccountRepository defines the persistence contract for the single trading account.
type AccountRepository interface {
	// SaveAccount inserts the account on first use and updates it afterwards
	// (write-through; the ledger calls this after every mutation).
	SaveAccount(ctx context.Context, acct *domain.Account) error
	// FindAccount retrieves the stored account.
	// Returns nil, nil if no account has been persisted yet.
	FindAccount(ctx context.Context) (*domain.Account, error)
}

// PositionRepository defines the persistence contract for trading positions.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindByID retrieves a position by its unique ID.
	// Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// FindOpen retrieves all open positions, ordered by entry time.
	FindOpen(ctx context.Context) ([]*domain.Position, error)
	// FindAll retrieves all positions, ordered by entry time.
	FindAll(ctx context.Context) ([]*domain.Position, error)
	// CountEnteredBetween counts positions whose entry time falls in [start, end).
	// This is the authoritative source for the daily trade counter.
	CountEnteredBetween(ctx context.Context, start, end time.Time) (int, error)
}

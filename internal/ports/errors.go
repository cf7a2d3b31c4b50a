package ports

import "errors"

// Standard application-level errors.
// Adapters and core components wrap underlying errors with these standard
// errors so callers can branch on cause without string matching.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Validation Errors (never retried)
	ErrInvalidSignal    = errors.New("signal must be BUY or SELL")
	ErrConfidenceTooLow = errors.New("signal confidence below minimum threshold")
	ErrLeverageExceeded = errors.New("requested leverage exceeds account maximum")

	// Funds / Limit Errors (non-retryable, surfaced with a reason)
	ErrInsufficientFunds = errors.New("insufficient balance for operation")
	ErrDailyLimitReached = errors.New("daily trade limit reached")
	ErrPositionTooLarge  = errors.New("position size exceeds maximum allowed")

	// State Conflict Errors
	ErrDuplicatePosition = errors.New("an open position already exists for this symbol and side")
	ErrPositionClosed    = errors.New("position is already closed")

	// Persistence Errors (reported upward; the core never auto-retries,
	// since retrying a partially applied reservation risks double-charging)
	ErrPersistence = errors.New("persistence operation failed")

	// Reconciliation Errors (treated as fail-closed by the ledger)
	ErrReconciliation = errors.New("daily trade count could not be verified against the store")

	// Feed Errors
	ErrFeedUnavailable = errors.New("price feed is unavailable")
	ErrPriceMissing    = errors.New("no price available for symbol")
)

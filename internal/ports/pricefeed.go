package ports

import "context"

// PriceFeed supplies current prices for a set of symbols. Implementations
// must enforce their own timeouts and return an error rather than block.
type PriceFeed interface {
	// Prices returns the current price for each requested symbol.
	// Symbols with no available price are omitted from the result.
	Prices(ctx context.Context, symbols []string) (map[string]float64, error)
}

package binancefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marginbot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	requestTimeout = 10 * time.Second
)

// Feed implements the ports.PriceFeed interface over the Binance futures
// ticker endpoint. Ticker prices are public, so API keys are optional.
type Feed struct {
	client *futures.Client
	logger ports.Logger
}

// Config holds configuration specific to the Binance feed adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance price feed adapter.
func New(cfg Config) (*Feed, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance feed")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance feed configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance feed configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Feed{client: client, logger: cfg.Logger}, nil
}

// Prices fetches current prices for the requested symbols. Symbols the
// exchange does not quote are omitted from the result rather than erroring,
// so one delisted symbol cannot starve the sweep.
func (f *Feed) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	op := "Prices"
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	// One call returns every listed symbol; filter locally.
	listed, err := f.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, f.mapError(ctx, err, op)
	}

	bySymbol := make(map[string]string, len(listed))
	for _, p := range listed {
		bySymbol[p.Symbol] = p.Price
	}

	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		raw, ok := bySymbol[sym]
		if !ok {
			f.logger.Warn(ctx, op+": symbol not quoted by exchange", map[string]interface{}{"symbol": sym})
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			f.logger.Warn(ctx, op+": unparseable price", map[string]interface{}{"symbol": sym, "price": raw})
			continue
		}
		prices[sym] = v
	}
	return prices, nil
}

// mapError translates transport errors into the standard error vocabulary.
func (f *Feed) mapError(ctx context.Context, err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ports.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ports.ErrContextCanceled)
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		f.logger.Error(ctx, err, op+": Binance API error", map[string]interface{}{"code": apiErr.Code})
		return fmt.Errorf("%s: binance API error %d: %w", op, apiErr.Code, ports.ErrFeedUnavailable)
	}
	return fmt.Errorf("%s: %w: %v", op, ports.ErrFeedUnavailable, err)
}

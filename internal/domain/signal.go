package domain

// TradeSignal carries one externally produced trading recommendation into the
// executor. The core consumes signals; it never computes them.
type TradeSignal struct {
	Symbol       string
	Signal       Signal  // BUY or SELL (NEUTRAL signals are rejected)
	Confidence   float64 // 0-100
	Price        float64 // Current price at signal time
	StrategyName string
	Leverage     int    // 0 means use the configured default
	AnalysisID   string // Optional provenance; generated when empty
}

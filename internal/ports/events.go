package ports

import (
	"context"

	"marginbot/internal/domain"
)

// EventEmitter receives trade and log events for display or telemetry.
// Components take an emitter via their constructors rather than reaching
// for a process-wide sink, so tests can capture what was emitted.
type EventEmitter interface {
	EmitTrade(ctx context.Context, ev domain.TradeEvent)
	EmitLog(ctx context.Context, ev domain.LogEvent)
}

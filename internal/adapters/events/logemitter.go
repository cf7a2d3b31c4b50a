package events

import (
	"context"

	"marginbot/internal/domain"
	"marginbot/internal/ports"
)

// LogEmitter forwards trade and log events to a ports.Logger. It is the
// default sink when no rendering layer is attached.
type LogEmitter struct {
	logger ports.Logger
}

// NewLogEmitter creates an emitter backed by the given logger.
func NewLogEmitter(l ports.Logger) *LogEmitter {
	return &LogEmitter{logger: l}
}

// EmitTrade logs a trade-log event.
func (e *LogEmitter) EmitTrade(ctx context.Context, ev domain.TradeEvent) {
	e.logger.Info(ctx, ev.Message, map[string]interface{}{
		"eventID":    ev.ID,
		"tradeType":  string(ev.Type),
		"positionID": ev.PositionID,
		"source":     ev.Source,
	})
}

// EmitLog logs an operational event at its declared level.
func (e *LogEmitter) EmitLog(ctx context.Context, ev domain.LogEvent) {
	fields := map[string]interface{}{"source": ev.Source}
	switch ev.Level {
	case domain.LogLevelWarning:
		e.logger.Warn(ctx, ev.Message, fields)
	case domain.LogLevelError:
		e.logger.Error(ctx, nil, ev.Message, fields)
	default:
		e.logger.Info(ctx, ev.Message, fields)
	}
}

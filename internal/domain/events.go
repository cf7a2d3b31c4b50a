package domain

import "time"

// TradeEventType classifies trade-log events.
type TradeEventType string

const (
	TradeEventOpen   TradeEventType = "open"
	TradeEventClose  TradeEventType = "close"
	TradeEventSignal TradeEventType = "signal"
)

// TradeEvent is emitted on every position open/close and on rejected signals,
// for consumption by a rendering or telemetry layer.
type TradeEvent struct {
	ID         string // Unique event id
	Message    string
	Type       TradeEventType
	PositionID int64 // 0 when the event is not tied to a position
	Source     string
	Time       time.Time
}

// LogEventLevel is the severity of a LogEvent.
type LogEventLevel string

const (
	LogLevelInfo    LogEventLevel = "info"
	LogLevelWarning LogEventLevel = "warning"
	LogLevelError   LogEventLevel = "error"
)

// LogEvent is a free-form operational message for the display layer.
type LogEvent struct {
	Message string
	Level   LogEventLevel
	Source  string
	Time    time.Time
}

package ports

import "context"

// Logger is the logging contract every core component takes by injection.
// Two implementations ship: a standard-library text logger and a zap-backed
// JSON logger, selected at startup.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	// Info logs a message at Info level.
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn logs a message at Warning level.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs an error alongside a message at Error level.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}

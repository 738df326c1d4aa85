package v2

// Logger is the structured logging interface used across the gateway.
// Implementations must be safe for concurrent use: every session goroutine
// logs through the same instance.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	Fatal(msg string, err error, fields ...Field)

	// With returns a child logger that adds fields to every entry.
	With(fields ...Field) Logger

	// Close releases any file handle owned by the logger.
	Close() error
}

// Field is a single structured log field.
type Field struct {
	Key   string
	Value interface{}
}

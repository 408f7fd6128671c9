package billing

// Field is a key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logging surface the billing engine writes to.
// Adapters for concrete loggers live under pkg/billing/logger.
type Logger interface {
	// Debug logs fine-grained detail such as webhook dispatch steps.
	Debug(msg string, fields ...Field)

	// Info logs normal billing activity.
	Info(msg string, fields ...Field)

	// Warn logs recoverable anomalies such as rejected deductions.
	Warn(msg string, fields ...Field)

	// Error logs failures that need operator attention.
	Error(msg string, fields ...Field)
}

// NoopLogger discards all output. It is the default when no logger is
// configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

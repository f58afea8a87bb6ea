// Package log provides the fluent structured logging used throughout the
// module. Events are JSON lines built through pooled buffers and routed
// to pluggable appenders.
package log

var _defaultLogger *CoreLogger

func init() {
	// Users can call Initialize later with a specific configuration.
	_defaultLogger = NewLogger(getDefaultCfg())
}

// Initialize configures the default logger. A nil cfg selects defaults.
// Call once at application startup.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetDefaultLogger(NewLogger(cfg))
	return nil
}

// SetDefaultLogger replaces the package-level logger instance.
func SetDefaultLogger(logger *CoreLogger) {
	_defaultLogger = logger
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.AddAppender(appender)
}

// Refresh flushes the default logger's appenders.
func Refresh() {
	_defaultLogger.Refresh()
}

// Close flushes and closes the default logger's appenders. Call at
// application shutdown.
func Close() {
	_defaultLogger.Close()
}

// Trace creates a trace-level event on the default logger.
func Trace() *LogEvent {
	return _defaultLogger.Trace()
}

// Debug creates a debug-level event on the default logger.
func Debug() *LogEvent {
	return _defaultLogger.Debug()
}

// Info creates an info-level event on the default logger.
func Info() *LogEvent {
	return _defaultLogger.Info()
}

// Warn creates a warn-level event on the default logger.
func Warn() *LogEvent {
	return _defaultLogger.Warn()
}

// Error creates an error-level event on the default logger.
func Error() *LogEvent {
	return _defaultLogger.Error()
}

// Fatal creates a fatal-level event on the default logger.
func Fatal() *LogEvent {
	return _defaultLogger.Fatal()
}

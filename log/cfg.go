package log

import "fmt"

// LogCfg configures the logger: level filtering, output destinations and
// caller capture. Sections decoded from the application config file carry
// mapstructure tags.
type LogCfg struct {
	// LogPath is the target file for the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level that will be written.
	LogLevel Level `mapstructure:"level"`

	// FileAppender enables file output.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender enables stdout output.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// CallerSkip is the number of extra stack frames to skip when
	// resolving caller information, for wrapper layers.
	CallerSkip int `mapstructure:"callerSkip"`

	// EnabledCallerInfo captures file/function/line per event.
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName returns the configuration section key.
func (cfg *LogCfg) GetName() string {
	return "log"
}

// Validate checks the configuration for consistency.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel < TraceLevel || cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level: %d, must be between %d (Trace) and %d (Fatal)",
			cfg.LogLevel, TraceLevel, FatalLevel)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("log path cannot be empty when file appender is enabled")
	}
	if !cfg.FileAppender && !cfg.ConsoleAppender {
		return fmt.Errorf("at least one appender (file or console) must be enabled")
	}
	if cfg.CallerSkip < 0 {
		return fmt.Errorf("caller skip must be non-negative, got %d", cfg.CallerSkip)
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogPath:           "./nitra.log",
	LogLevel:          DebugLevel,
	ConsoleAppender:   true,
	CallerSkip:        1,
	EnabledCallerInfo: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}

package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the interface of a structured logging component.
type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	AddAppender(appender LogAppender)
	GetAppender() []LogAppender
	OnEventEnd(e *LogEvent)
}

type callerInfo struct {
	repr string
}

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{repr: file + ":" + strconv.Itoa(line) + " " + function}
}

func (c *callerInfo) String() string { return c.repr }

var _unknownCaller = &callerInfo{repr: "???"}

// CoreLogger is a thread-safe structured logger with a lock-free logging
// path. Events are pooled to keep per-line allocations near zero; the
// scheduling core logs from worker threads and the poller thread
// concurrently, so everything here must stay contention-free.
type CoreLogger struct {
	appenders         []LogAppender
	minLevel          int32
	callerSkip        int
	enabledCallerInfo bool
	eventPool         *sync.Pool
	callerCache       sync.Map
}

// NewLogger creates a CoreLogger from the given configuration. A nil cfg
// selects the package defaults.
func NewLogger(cfg *LogCfg) *CoreLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &CoreLogger{
		minLevel:          int32(cfg.LogLevel),
		callerSkip:        cfg.CallerSkip,
		enabledCallerInfo: cfg.EnabledCallerInfo,
	}

	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		if fa, err := NewFileAppender(cfg); err == nil {
			logger.AddAppender(fa)
		}
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

// SetLevel adjusts the minimum level at runtime.
func (x *CoreLogger) SetLevel(level Level) {
	atomic.StoreInt32(&x.minLevel, int32(level))
}

func (x *CoreLogger) checkLevel(level Level) bool {
	return Level(atomic.LoadInt32(&x.minLevel)) <= level
}

// AddAppender registers an additional output destination.
func (x *CoreLogger) AddAppender(appender LogAppender) {
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the registered appenders.
func (x *CoreLogger) GetAppender() []LogAppender {
	return x.appenders
}

// Refresh flushes all appenders.
func (x *CoreLogger) Refresh() {
	for _, appender := range x.appenders {
		appender.Refresh()
	}
}

// Close flushes and closes all appenders.
func (x *CoreLogger) Close() {
	for _, appender := range x.appenders {
		appender.Close()
	}
}

func (x *CoreLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd routes a finalized event to every appender and returns it
// to the pool. Fatal events panic after the write.
func (x *CoreLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.appenders {
		appender.Write(e.buf.Bytes())
	}

	level := e.level
	x.eventPool.Put(e)

	if level == FatalLevel {
		panic("fatal log event")
	}
}

// Trace creates a trace-level event, or nil if filtered.
func (x *CoreLogger) Trace() *LogEvent {
	return x.log(TraceLevel)
}

// Debug creates a debug-level event, or nil if filtered.
func (x *CoreLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

// Info creates an info-level event, or nil if filtered.
func (x *CoreLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

// Warn creates a warn-level event, or nil if filtered.
func (x *CoreLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

// Error creates an error-level event, or nil if filtered.
func (x *CoreLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

// Fatal creates a fatal-level event; the process panics once it is written.
func (x *CoreLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}

func (x *CoreLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return _unknownCaller
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		funcName = funcName[dotIdx+1:]
	}

	// Keep the last two path components of the file.
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := newCallerInfo(file, funcName, line)
	x.callerCache.Store(pc, c)
	return c
}

func (x *CoreLogger) log(level Level) *LogEvent {
	if !x.checkLevel(level) {
		return nil
	}

	e := x.newEvent()
	e.level = level

	e.Time("time", time.Now())
	e.Str("level", level.String())

	if x.enabledCallerInfo {
		e.Str("caller", x.getCallerInfo().String())
	}

	return e
}

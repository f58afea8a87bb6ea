package log

import (
	"bytes"
	"time"
)

// LogEvent is one structured log line under construction. It exposes a
// fluent API for attaching typed fields and is recycled through the
// logger's object pool after Msg is called.
//
// All field methods tolerate a nil receiver so that call sites can chain
// off a level constructor that returned nil due to level filtering.
type LogEvent struct {
	buf    *bytes.Buffer
	logger Logger
	level  Level
}

func newEvent(l Logger) *LogEvent {
	e := &LogEvent{
		logger: l,
		level:  DebugLevel,
		buf:    &bytes.Buffer{},
	}
	e.buf.Grow(512)
	return e
}

// Reset clears accumulated state so the event can be reused from the pool.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.level = DebugLevel
	AppendBeginMarker(e.buf)
}

// Str appends a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendString(e.buf, v)
	return e
}

// Int appends an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendInt(e.buf, v)
	return e
}

// Int32 appends an int32 field.
func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendInt32(e.buf, v)
	return e
}

// Int64 appends an int64 field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendInt64(e.buf, v)
	return e
}

// Uint64 appends a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendUint64(e.buf, v)
	return e
}

// Float64 appends a float64 field.
func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendFloat64(e.buf, v)
	return e
}

// Bool appends a bool field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendBool(e.buf, v)
	return e
}

// Dur appends a duration field rendered as its Go string form.
func (e *LogEvent) Dur(k string, v time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	AppendString(e.buf, v.String())
	return e
}

// Time appends a timestamp field formatted as YYYY-MM-DD HH:MM:SS.mmm.
func (e *LogEvent) Time(k string, v time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	AppendKey(e.buf, k)
	e.buf.WriteByte('"')
	e.buf.Write(v.AppendFormat(nil, "2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	return e
}

// Err appends an error field under the conventional "error" key.
// A nil error appends nothing.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	AppendKey(e.buf, "error")
	AppendString(e.buf, err.Error())
	return e
}

// Msg finalizes the event with the given message and hands the line to
// the logger for output. The event must not be used afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	if msg != "" {
		AppendKey(e.buf, "msg")
		AppendString(e.buf, msg)
	}
	AppendEndMarker(e.buf)
	AppendLineBreak(e.buf)
	e.logger.OnEventEnd(e)
}

// Bytes exposes the formatted line; used by appender implementations
// and tests.
func (e *LogEvent) Bytes() []byte {
	return e.buf.Bytes()
}

// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"fmt"
	"log"
	"strings"
	"unicode/utf8"
)

// MaxLogValueLength limits the length of log values to prevent log injection
// and excessive log growth. Values longer than this are truncated.
const MaxLogValueLength = 1024

// Logger is the pluggable logging interface used by every component of this
// module: the G2 transport, the G3 transport, and the retry engine.
// Implementations should use structured key-value pairs.
//
//	type SlogAdapter struct{ logger *slog.Logger }
//
//	func (s *SlogAdapter) Debug(msg string, kv ...any) { s.logger.Debug(msg, kv...) }
//	// ... Info, Warn, Error
//
//	client, _ := panel.NewG2Client("10.0.0.5", panel.WithLogger(&SlogAdapter{...}))
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// LogLevel is the severity threshold for a DefaultLogger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelNone
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", l)
	}
}

// DefaultLogger wraps the standard log package with a configurable level.
// Output format: "[LEVEL] message key1=value1 key2=value2".
type DefaultLogger struct {
	level LogLevel
}

// NewDefaultLogger creates a DefaultLogger at the given level.
func NewDefaultLogger(level LogLevel) *DefaultLogger {
	return &DefaultLogger{level: level}
}

func (l *DefaultLogger) Debug(msg string, kv ...any) {
	if l.level <= LogLevelDebug {
		l.log("DEBUG", msg, kv...)
	}
}

func (l *DefaultLogger) Info(msg string, kv ...any) {
	if l.level <= LogLevelInfo {
		l.log("INFO", msg, kv...)
	}
}

func (l *DefaultLogger) Warn(msg string, kv ...any) {
	if l.level <= LogLevelWarn {
		l.log("WARN", msg, kv...)
	}
}

func (l *DefaultLogger) Error(msg string, kv ...any) {
	if l.level <= LogLevelError {
		l.log("ERROR", msg, kv...)
	}
}

// sanitizeLogValue neutralizes control characters, zero-width Unicode, and
// RTL-override characters that panel-supplied strings (circuit names,
// firmware identifiers) could otherwise use to forge log entries, and
// truncates overlong values.
func sanitizeLogValue(val any) string {
	str := fmt.Sprintf("%v", val)

	if len(str) > MaxLogValueLength {
		str = str[:MaxLogValueLength] + "...[TRUNCATED]"
	}

	var b strings.Builder
	b.Grow(len(str))

	for i := 0; i < len(str); i++ {
		r := rune(str[i])

		if r >= 0x80 {
			decoded, size := utf8.DecodeRuneInString(str[i:])
			if decoded == utf8.RuneError {
				b.WriteRune('.')
				if size == 0 {
					size = 1
				}
				i += size - 1
				continue
			}

			rest := str[i : i+size]
			i += size - 1
			switch decoded {
			case 0x200B, 0x200C, 0x200D, 0xFEFF: // zero-width characters
			case 0x202E: // right-to-left override
				b.WriteRune(' ')
			default:
				b.WriteString(rest)
			}
			continue
		}

		switch r {
		case '\n', '\r', '\t', 0x0C:
			b.WriteRune(' ')
		case 0x1B, 0x07, 0x08:
			b.WriteRune('.')
		default:
			if r < 32 || r == 127 {
				b.WriteRune('.')
			} else {
				b.WriteRune(r)
			}
		}
	}

	return b.String()
}

func (l *DefaultLogger) log(level, msg string, kv ...any) {
	estimated := len(level) + len(msg) + 10 + len(kv)*25
	var b strings.Builder
	b.Grow(estimated)

	b.WriteString("[")
	b.WriteString(level)
	b.WriteString("] ")
	b.WriteString(msg)

	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(sanitizeLogValue(kv[i]))
		if i+1 < len(kv) {
			b.WriteString("=")
			b.WriteString(sanitizeLogValue(kv[i+1]))
		} else {
			b.WriteString("=<MISSING>")
		}
	}

	log.Println(b.String())
}

// NoOpLogger discards every log message. It is the default logger used
// when no WithLogger option is supplied.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}

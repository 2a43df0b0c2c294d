package signal

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/goclaw/signalkit/pkg/logger"
)

// LogLevel is the severity scale of signal lifecycle records.
// Records below the configured minimum are not emitted.
type LogLevel int

const (
	LogAll LogLevel = iota
	LogNotice
	LogDebug
	LogTrace
	LogInfo
	LogError
	LogWarning
	LogFault
	LogCritical
	LogNone
)

var logLevelNames = [...]string{
	LogAll:      "all",
	LogNotice:   "notice",
	LogDebug:    "debug",
	LogTrace:    "trace",
	LogInfo:     "info",
	LogError:    "error",
	LogWarning:  "warning",
	LogFault:    "fault",
	LogCritical: "critical",
	LogNone:     "none",
}

// String returns the string representation of the level.
func (l LogLevel) String() string {
	if l < LogAll || l > LogNone {
		return "unknown"
	}
	return logLevelNames[l]
}

// ParseLogLevel parses a level name. Unknown names yield LogInfo.
func ParseLogLevel(s string) LogLevel {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range logLevelNames {
		if n == name {
			return LogLevel(i)
		}
	}
	return LogInfo
}

var minLogLevel atomic.Int64

func init() {
	minLogLevel.Store(int64(LogInfo))
}

// SetMinLogLevel sets the package-wide minimum level for lifecycle records.
func SetMinLogLevel(level LogLevel) {
	minLogLevel.Store(int64(level))
}

// MinLogLevel returns the current minimum level.
func MinLogLevel() LogLevel {
	return LogLevel(minLogLevel.Load())
}

// recordLogger emits {level, source, message, signal} records for one component.
type recordLogger struct {
	sink      logger.Logger
	component string
	location  string
	minLevel  func() LogLevel
}

func newRecordLogger(log logger.Logger, component, location string) recordLogger {
	if log == nil {
		log = logger.Global()
	}
	return recordLogger{
		sink:      log,
		component: component,
		location:  location,
		minLevel:  MinLogLevel,
	}
}

func (r recordLogger) log(level LogLevel, source, msg string, snapshot fmt.Stringer) {
	if level <= LogAll || level >= LogNone {
		return
	}
	if level < r.minLevel() {
		return
	}

	args := []any{
		"signal_level", level.String(),
		"component", r.component,
		"location", r.location,
	}
	if source != "" {
		args = append(args, "signal_source", source)
	}
	if snapshot == nil {
		args = append(args, "signal", "nil")
	} else {
		args = append(args, "signal", snapshot.String())
	}

	switch level {
	case LogNotice, LogDebug, LogTrace:
		r.sink.Debug(msg, args...)
	case LogInfo:
		r.sink.Info(msg, args...)
	case LogWarning:
		r.sink.Warn(msg, args...)
	default:
		r.sink.Error(msg, args...)
	}
}

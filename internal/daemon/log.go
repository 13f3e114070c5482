// Package daemon implements the polling-agent core: the dispatch lease
// manager, the precondition gate, the outcome classifier, and the
// poll-prefetch-process pipeline, plus the agent run loop tying them to the
// queue, store, and worker collaborators.
package daemon

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

type LogLevel int32

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LevelVar holds the effective log level; the config watcher swaps it at
// runtime without restarting the agent.
type LevelVar struct {
	v atomic.Int32
}

func NewLevelVar(level LogLevel) *LevelVar {
	lv := &LevelVar{}
	lv.v.Store(int32(level))
	return lv
}

func (lv *LevelVar) Level() LogLevel    { return LogLevel(lv.v.Load()) }
func (lv *LevelVar) Set(level LogLevel) { lv.v.Store(int32(level)) }

// logSink is the shared leveled writer each component embeds, prefixing its
// lines with the component name.
type logSink struct {
	logger    *log.Logger
	level     *LevelVar
	component string
}

func (s logSink) log(level LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.level.Level() {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), levelStr, s.component, msg)
}

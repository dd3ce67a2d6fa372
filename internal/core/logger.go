package core

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
	File       string            `yaml:"file,omitempty"`
	MaxSizeMB  int               `yaml:"maxSizeMB,omitempty"`
	MaxBackups int               `yaml:"maxBackups,omitempty"`
}

// LogSink receives every emitted log line after level filtering.
// Used to feed the in-memory ring exposed over the control pipe.
type LogSink func(tag, line string)

// Logger provides per-component log level filtering on top of the
// stdlib log package.
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
	sinks       []LogSink
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{}
	l.applyConfig(cfg)
	return l
}

func (l *Logger) applyConfig(cfg LogConfig) {
	l.globalLevel = ParseLevel(cfg.Level)
	l.components = make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}
}

// InitOutput directs the stdlib log output to a rotating file and,
// when console is true, to stderr as well.
func InitOutput(cfg LogConfig, console bool) {
	if cfg.File == "" {
		return
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	if rotated.MaxSize <= 0 {
		rotated.MaxSize = 10
	}
	if rotated.MaxBackups <= 0 {
		rotated.MaxBackups = 3
	}
	var out io.Writer = rotated
	if console {
		out = io.MultiWriter(os.Stderr, rotated)
	}
	log.SetOutput(out)
}

// Reconfigure replaces the level configuration at runtime.
func (l *Logger) Reconfigure(cfg LogConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyConfig(cfg)
}

// AddSink registers a sink that observes every emitted line.
func (l *Logger) AddSink(s LogSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// levelFor returns the effective log level for a component tag.
func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

func (l *Logger) emit(tag, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", tag, line)
	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()
	for _, s := range sinks {
		s(tag, line)
	}
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelDebug {
		l.emit(tag, format, args...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelInfo {
		l.emit(tag, format, args...)
	}
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelWarn {
		l.emit(tag, format, args...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelError {
		l.emit(tag, format, args...)
	}
}

// Fatalf always logs and calls os.Exit(1).
func (l *Logger) Fatalf(tag, format string, args ...any) {
	l.emit(tag, format, args...)
	os.Exit(1)
}

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})

package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

type Logger struct {
	logger *log.Logger
	closer io.Closer
	level  LogLevel
}

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelMap = map[string]LogLevel{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
}

// ParseLevel resolves a level name; unknown names are an error.
func ParseLevel(s string) (LogLevel, error) {
	if s == "" {
		return INFO, nil
	}
	level, ok := levelMap[strings.ToLower(s)]
	if !ok {
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds a logger writing to stdout, stderr or an append-only file.
func NewLogger(config *LoggingConfig) (*Logger, error) {
	if config == nil {
		config = &LoggingConfig{Level: "info", Output: "stderr"}
	}

	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	var output io.Writer
	var closer io.Closer
	switch config.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	}

	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		closer: closer,
		level:  level,
	}, nil
}

// New wraps an arbitrary writer.
func New(w io.Writer, level LogLevel) *Logger {
	return &Logger{logger: log.New(w, "", log.LstdFlags), level: level}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, ERROR+1)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.logger.Printf("[DEBUG] "+format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.logger.Printf("[INFO] "+format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.logger.Printf("[WARN] "+format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.logger.Printf("[ERROR] "+format, args...)
	}
}

func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

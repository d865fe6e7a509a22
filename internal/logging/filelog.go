package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

var (
	fileLoggerInstance *FileLogger
	fileLoggerOnce     sync.Once
)

// FileLogger writes structured lines to rlm-debug.log in the user home
// directory. All component loggers share one file handle.
type FileLogger struct {
	file      *os.File
	logger    *log.Logger
	level     Level
	mu        sync.Mutex
	component string
}

// GetFileLogger returns the singleton file logger.
func GetFileLogger() *FileLogger {
	fileLoggerOnce.Do(func() {
		fileLoggerInstance = newFileLogger("", LevelDebug)
	})
	return fileLoggerInstance
}

// NewComponentLogger returns the shared file logger scoped to a component.
func NewComponentLogger(component string) Logger {
	base := GetFileLogger()
	return &FileLogger{
		file:      base.file,
		logger:    base.logger,
		level:     base.level,
		component: component,
	}
}

func newFileLogger(component string, level Level) *FileLogger {
	l := &FileLogger{
		level:     level,
		component: component,
	}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("Failed to get home directory: %v", err)
		return l
	}

	logPath := filepath.Join(home, "rlm-debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0) // formatted below
	return l
}

// SetLevel sets the minimum log level.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) write(level Level, format string, args ...any) {
	if level < l.level || l.logger == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	if l.component != "" {
		l.logger.Printf("[%s] [%s] [%s] %s", ts, level, l.component, msg)
	} else {
		l.logger.Printf("[%s] [%s] %s", ts, level, msg)
	}
}

func (l *FileLogger) Debug(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.write(LevelError, format, args...) }

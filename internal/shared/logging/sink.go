package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "VIBE_LOG_DIR"

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Category routes log lines to dedicated files so high-volume LLM traffic
// does not drown the engine log.
type Category string

const (
	CategoryService Category = "service"
	CategoryLLM     Category = "llm"
	CategoryEngine  Category = "engine"
)

var (
	categoryMu      sync.Mutex
	categoryLoggers = make(map[Category]*fileLogger)
)

// fileLogger is the default sink: timestamped lines appended to a per-category
// log file under VIBE_LOG_DIR (or the user home directory).
type fileLogger struct {
	file      *os.File
	logger    *log.Logger
	level     Level
	mu        sync.Mutex
	component string
	category  Category
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return newCategorizedLogger(CategoryService, component)
}

// NewLLMLogger returns a logger that writes to the dedicated LLM log file (vibe-llm.log).
func NewLLMLogger(component string) Logger {
	return newCategorizedLogger(CategoryLLM, component)
}

// NewEngineLogger returns a logger that writes to the dedicated engine log file (vibe-engine.log).
func NewEngineLogger(component string) Logger {
	return newCategorizedLogger(CategoryEngine, component)
}

func newCategorizedLogger(category Category, component string) Logger {
	base := getOrCreateCategoryLogger(category)
	return &fileLogger{
		file:      base.file,
		logger:    base.logger,
		level:     base.level,
		component: component,
		category:  category,
	}
}

func getOrCreateCategoryLogger(category Category) *fileLogger {
	categoryMu.Lock()
	defer categoryMu.Unlock()

	if logger, ok := categoryLoggers[category]; ok {
		return logger
	}

	logger := newFileLogger(category)
	categoryLoggers[category] = logger
	return logger
}

func newFileLogger(category Category) *fileLogger {
	l := &fileLogger{
		level:    LevelDebug,
		category: category,
	}

	logDir, err := resolveLogDirectory()
	if err != nil {
		log.Printf("Failed to resolve log directory: %v", err)
		return l
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
		return l
	}

	logPath := filepath.Join(logDir, logFileName(category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0) // formatted below
	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

func logFileName(category Category) string {
	switch category {
	case CategoryLLM:
		return "vibe-llm.log"
	case CategoryEngine:
		return "vibe-engine.log"
	default:
		return "vibe-service.log"
	}
}

func (l *fileLogger) log(level Level, format string, args ...any) {
	if level < l.level || l.logger == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2026-08-24 12:34:56 [INFO] [SERVICE] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "VIBE"
	}
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] [%s] %s:%d - %s",
		timestamp, levelToString(level), strings.ToUpper(string(l.category)), component, file, line, message)
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func levelToString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

package services

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"

	"KotApp/app/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerService handles application logging. A nil *LoggerService logs to
// the standard logger.
type LoggerService struct {
	logDir string
	file   *lumberjack.Logger
	logger *log.Logger
}

// NewLoggerService creates a logger writing to stdout and a rotated file
// under cfg.Dir, and makes it the standard logger's output
func NewLoggerService(cfg config.LoggingConfig) *LoggerService {
	s := &LoggerService{logDir: cfg.Dir}
	if s.logDir == "" {
		s.logDir = "logs"
	}

	if err := os.MkdirAll(s.logDir, 0755); err != nil {
		log.Printf("Warning: Could not create logs directory: %v. Logging to stdout only.", err)
		s.logger = log.New(os.Stdout, "", log.LstdFlags|log.Lshortfile)
		log.SetOutput(os.Stdout)
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		return s
	}

	s.file = &lumberjack.Logger{
		Filename:   filepath.Join(s.logDir, "kot-server.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	// Set up multi-writer to write to both file and stdout
	multiWriter := io.MultiWriter(os.Stdout, s.file)
	s.logger = log.New(multiWriter, "", log.LstdFlags|log.Lshortfile)

	log.SetOutput(multiWriter)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	s.LogInfo("Logger initialized", fmt.Sprintf("Log directory: %s", s.logDir))
	return s
}

func (s *LoggerService) out() *log.Logger {
	if s == nil || s.logger == nil {
		return log.Default()
	}
	return s.logger
}

func detail(details []string) string {
	if len(details) > 0 && details[0] != "" {
		return " | " + details[0]
	}
	return ""
}

// LogInfo logs an informational message
func (s *LoggerService) LogInfo(message string, details ...string) {
	s.out().Printf("[INFO] %s%s", message, detail(details))
}

// LogWarning logs a warning message
func (s *LoggerService) LogWarning(message string, details ...string) {
	s.out().Printf("[WARNING] %s%s", message, detail(details))
}

// LogError logs an error message
func (s *LoggerService) LogError(message string, err error, details ...string) {
	errorStr := ""
	if err != nil {
		errorStr = fmt.Sprintf(" | Error: %v", err)
	}
	s.out().Printf("[ERROR] %s%s%s", message, errorStr, detail(details))
}

// LogFatal logs a fatal error and exits
func (s *LoggerService) LogFatal(message string, err error) {
	errorStr := ""
	if err != nil {
		errorStr = fmt.Sprintf(" | Error: %v", err)
	}
	s.out().Printf("[FATAL] %s%s", message, errorStr)
	s.out().Printf("[FATAL] Stack trace:\n%s", string(debug.Stack()))
	s.Close()
	os.Exit(1)
}

// LogPanic logs a panic with stack trace
func (s *LoggerService) LogPanic(recovered interface{}) {
	s.out().Printf("[PANIC] Recovered from panic: %v", recovered)
	s.out().Printf("[PANIC] Stack trace:\n%s", string(debug.Stack()))
}

// GetLogDirectory returns the directory where logs are stored
func (s *LoggerService) GetLogDirectory() string {
	if s == nil {
		return ""
	}
	return s.logDir
}

// Close closes the log file
func (s *LoggerService) Close() {
	if s != nil && s.file != nil {
		s.file.Close()
	}
}

// RecoverPanic is a helper to recover from panics in goroutines
func (s *LoggerService) RecoverPanic() {
	if r := recover(); r != nil {
		s.LogPanic(r)
	}
}

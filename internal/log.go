package internal

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/aleybovich/carrot-lite/logger"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"

	colorBoldRed = "\033[1;31m"
)

// debugEnvVar enables Debug output of the built-in logger when set to "1"
const debugEnvVar = "CARROT_DEBUG"

// Flag to determine if we're logging to a terminal (with colors) or a file
var IsTerminal bool

func init() {
	// Check if stdout is a terminal
	fileInfo, _ := os.Stdout.Stat()
	IsTerminal = (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Get caller function name for logging
func getCallerName() string {
	pc, _, _, _ := runtime.Caller(3) // logf <- level method <- actual caller
	caller := runtime.FuncForPC(pc).Name()
	parts := strings.Split(caller, ".")
	return parts[len(parts)-1]
}

func (b *Broker) logf(level, color, format string, args ...any) {
	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[%s]%s %s%s%s: ", color, level, colorReset, colorCyan, funcName, colorReset)
		b.internalLogger.Printf(prefix+format, args...)
	} else {
		b.internalLogger.Printf("[%s] %s: "+format, append([]any{level, funcName}, args...)...)
	}
}

func (b *Broker) delegate() logger.Logger {
	if b.customLogger != nil && b.customLogger != logger.Logger(b) {
		return b.customLogger
	}
	return nil
}

// Fatal logs a message with Fatal level and exits with code 1
func (b *Broker) Fatal(format string, args ...any) {
	if l := b.delegate(); l != nil {
		l.Fatal(format, args...)
		return
	}
	b.logf("FATAL", colorBoldRed, format, args...)
	os.Exit(1)
}

// Err logs a message with Error level
func (b *Broker) Err(format string, args ...any) {
	if l := b.delegate(); l != nil {
		l.Err(format, args...)
		return
	}
	b.logf("ERROR", colorBoldRed, format, args...)
}

// Warn logs a message with Warning level
func (b *Broker) Warn(format string, args ...any) {
	if l := b.delegate(); l != nil {
		l.Warn(format, args...)
		return
	}
	b.logf("WARN", colorYellow, format, args...)
}

// Info logs a message with Info level
func (b *Broker) Info(format string, args ...any) {
	if l := b.delegate(); l != nil {
		l.Info(format, args...)
		return
	}
	b.logf("INFO", colorGreen, format, args...)
}

// Debug logs a message with Debug level. The built-in logger only prints
// debug lines when CARROT_DEBUG=1.
func (b *Broker) Debug(format string, args ...any) {
	if l := b.delegate(); l != nil {
		l.Debug(format, args...)
		return
	}
	if os.Getenv(debugEnvVar) != "1" {
		return
	}
	b.logf("DEBUG", colorPurple, format, args...)
}

// Logger returns the logger the broker writes to
func (b *Broker) Logger() logger.Logger {
	if b.customLogger != nil {
		return b.customLogger
	}
	return b
}

// Package logging provides the bracketed-level logger used throughout the
// leech client, e.g. "[INFO]\tpeer 1.2.3.4:6881: unchoked".
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mitchellh/colorstring"
	"golang.org/x/term"
)

// Logger wraps the standard library logger with colorized bracket tags.
type Logger struct {
	std     *log.Logger
	colored bool
}

var std = New(os.Stderr)

// New builds a Logger writing to w. Color is enabled only when w is a
// terminal, so piped or redirected output stays plain.
func New(w io.Writer) *Logger {
	colored := false
	if f, ok := w.(*os.File); ok {
		colored = term.IsTerminal(int(f.Fd()))
	}

	return &Logger{
		std:     log.New(w, "", log.LstdFlags),
		colored: colored,
	}
}

func (l *Logger) tag(level, color string) string {
	if !l.colored {
		return "[" + level + "]"
	}

	return colorstring.Color(fmt.Sprintf("[%s][%s]", color, level))
}

// Info logs an informational line.
func (l *Logger) Info(format string, args ...any) {
	l.std.Printf("%s\t%s", l.tag("INFO", "green"), fmt.Sprintf(format, args...))
}

// Fail logs a recoverable failure, such as one peer session ending.
func (l *Logger) Fail(format string, args ...any) {
	l.std.Printf("%s\t%s", l.tag("FAIL", "yellow"), fmt.Sprintf(format, args...))
}

// Error logs a hard error.
func (l *Logger) Error(format string, args ...any) {
	l.std.Printf("%s\t%s", l.tag("ERROR", "red"), fmt.Sprintf(format, args...))
}

// Info logs to the package-level default logger.
func Info(format string, args ...any) { std.Info(format, args...) }

// Fail logs to the package-level default logger.
func Fail(format string, args ...any) { std.Fail(format, args...) }

// Error logs to the package-level default logger.
func Error(format string, args ...any) { std.Error(format, args...) }

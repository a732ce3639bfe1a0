// Package logging builds the process logger shared by both binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the optional file sink.
const (
	maxSizeMB  = 20
	maxBackups = 5
	maxAgeDays = 14
)

// New returns a timestamped zerolog logger writing to out. Development gets
// the console writer. When logFile is set, JSON lines are also written to a
// rotating file so a field device keeps a local record across restarts.
func New(out io.Writer, env, logFile string) zerolog.Logger {
	var console io.Writer = out
	if env == "development" {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	w := console
	if logFile != "" {
		w = zerolog.MultiLevelWriter(console, FileSink(logFile))
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// FileSink is a size-rotated log file.
func FileSink(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}

// Default is New over stdout.
func Default(env, logFile string) zerolog.Logger {
	return New(os.Stdout, env, logFile)
}

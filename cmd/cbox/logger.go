package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/cbox/internal/utils"
	"gopkg.in/natefinch/lumberjack.v2"
)

// console level, set from --log-level once flags are parsed
var logLevel = new(slog.LevelVar)

// newLogger writes to the console at logLevel and to a rotating log file at
// debug level.
func newLogger(console io.Writer, logFile string) (*slog.Logger, func() error) {
	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05.000",
		NoColor:    !isTerminal(console),
	})

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
	}
	fileHandler := slog.NewTextHandler(rotator, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	return slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)), rotator.Close
}

func isTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

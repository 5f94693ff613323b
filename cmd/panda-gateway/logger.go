package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-panda-gateway/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	l := logging.New(format, lvl, os.Stderr).With("app", "panda-gateway")
	if err != nil {
		l.Warn("unknown_log_level", "level", level, "used", lvl.String())
	}
	logging.Set(l)
	return l
}

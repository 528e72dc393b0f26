package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-secure-can/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "secure-can")
	logging.Set(l)
	return l
}

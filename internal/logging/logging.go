// Package logging configures the process-wide slog.Logger. Every
// PowerController component logs through a logger scoped with
// .With("component", name) so log lines can be filtered by subsystem.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
)

// Init sets up slog to write to both stdout and a log file, and
// redirects the stdlib log package to the same writer. The returned
// *os.File should be Close()'d on shutdown.
func Init(logDir string) (*slog.Logger, *os.File) {
	if logDir == "" {
		logDir = "./logs"
	}
	_ = os.MkdirAll(logDir, 0o755)

	fp := filepath.Join(logDir, "powercontrolld.log")
	f, err := os.OpenFile(fp, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		lg := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
		lg.Error("log file open failed; using stdout only", "error", err)
		return lg, os.Stdout
	}

	mw := io.MultiWriter(f, os.Stdout)
	lg := slog.New(slog.NewTextHandler(mw, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log.SetOutput(mw)
	return lg, f
}

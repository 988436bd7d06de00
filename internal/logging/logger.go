package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"vimms-gateway/internal/config"
)

const (
	maxLogSizeMB  = 20
	maxLogBackups = 5
	maxLogAgeDays = 14
)

// New builds the process logger. Development builds log colored text to
// stdout; release builds log JSON. When LOG_FILE is set, JSON records are
// also written to a rotated file.
func New(cfg config.Config, version string, appName string) (*slog.Logger, io.Closer) {
	var file *lumberjack.Logger
	if cfg.LogFile != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
			Compress:   true,
		}
	}

	if version == "dev" {
		var h slog.Handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      cfg.LogLevel,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		if file != nil {
			h = fanout{h, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.LogLevel})}
		}
		return slog.New(h).With("app", appName), closer(file)
	}

	var out io.Writer = os.Stdout
	if file != nil {
		out = io.MultiWriter(os.Stdout, file)
	}
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
	), closer(file)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func closer(l *lumberjack.Logger) io.Closer {
	if l == nil {
		return nopCloser{}
	}
	return l
}

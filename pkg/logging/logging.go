// Package logging configures structured JSON logging for the settlement
// services and bridges the standard library logger into it.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs a JSON slog handler as the process default and routes the
// standard log package through it. Every line carries service and env.
// When LOG_FILE is set lines also go to a size-rotated file.
func Setup(service, env string) *slog.Logger {
	return setup(output(), service, env, levelFromEnv())
}

func output() io.Writer {
	path := strings.TrimSpace(os.Getenv("LOG_FILE"))
	if path == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, rotatingFile(path))
}

func rotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    envInt("LOG_FILE_MAX_MB", 100),
		MaxBackups: envInt("LOG_FILE_MAX_BACKUPS", 5),
		MaxAge:     envInt("LOG_FILE_MAX_AGE_DAYS", 14),
		Compress:   true,
	}
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k))); err == nil && n >= 0 {
		return n
	}
	return def
}

func setup(w io.Writer, service, env string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withAttrs := handler.WithAttrs(attrs)
	base := slog.New(withAttrs)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(withAttrs, slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return base
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// HashIdentity returns a short stable digest for client identifiers (IPs,
// wallets) so they can be correlated in logs without being stored raw.
func HashIdentity(salt, id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + "|" + id))
	return hex.EncodeToString(sum[:8])
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// configureLogger installs the default logger. The flag wins over the
// configured level, which already folds in MEDARCHIVE_LOG_LEVEL.
func configureLogger(flagLevel, configLevel string, verbose bool) error {
	raw := configLevel
	if strings.TrimSpace(flagLevel) != "" {
		raw = flagLevel
	} else if verbose {
		raw = "debug"
	}
	level, err := parseLogLevel(raw)
	if err != nil {
		if strings.TrimSpace(flagLevel) != "" {
			return fmt.Errorf("invalid --log-level %q", flagLevel)
		}
		fmt.Fprintf(os.Stderr, "warning: invalid log_level=%q; defaulting to info\n", configLevel)
		level = slog.LevelInfo
	}
	slog.SetDefault(newLogger(level))
	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

package main

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{name: "default info", raw: "", want: slog.LevelInfo},
		{name: "debug", raw: "debug", want: slog.LevelDebug},
		{name: "warning alias", raw: "Warning", want: slog.LevelWarn},
		{name: "error", raw: "error", want: slog.LevelError},
		{name: "numeric", raw: "-4", want: slog.LevelDebug},
		{name: "invalid", raw: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLogLevel(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse level: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestConfigureLoggerRejectsBadFlag(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	if err := configureLogger("loud", "info", false); err == nil {
		t.Fatal("expected error for invalid --log-level")
	}
	// a bad configured level only warns
	if err := configureLogger("", "loud", false); err != nil {
		t.Fatalf("configure logger: %v", err)
	}
	if err := configureLogger("", "", true); err != nil {
		t.Fatalf("configure logger: %v", err)
	}
	if !slog.Default().Enabled(t.Context(), slog.LevelDebug) {
		t.Fatal("verbose should enable debug logging")
	}
}

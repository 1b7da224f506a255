package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		env, level string
		enabled    zapcore.Level
		disabled   zapcore.Level
	}{
		{"prod", "", zapcore.InfoLevel, zapcore.DebugLevel},
		{"dev", "", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"local", "warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"prod", "error", zapcore.ErrorLevel, zapcore.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.level, func(t *testing.T) {
			l, err := New(tt.env, tt.level)
			if err != nil {
				t.Fatal(err)
			}
			if !l.Core().Enabled(tt.enabled) {
				t.Errorf("level %s should be enabled", tt.enabled)
			}
			if l.Core().Enabled(tt.disabled) {
				t.Errorf("level %s should be disabled", tt.disabled)
			}
		})
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New("staging", ""); err == nil {
		t.Error("expected error for unknown env")
	}
	if _, err := New("prod", "loud"); err == nil {
		t.Error("expected error for bad level")
	}
}

package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewBuildsLogger(t *testing.T) {
	logger, err := New(Config{Level: "debug", Encoding: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be enabled")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "chatty"}); err == nil {
		t.Fatalf("expected unknown level to be rejected")
	}
}

package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSanitize(t *testing.T) {
	got := Sanitize("alice\nlevel=error msg=forged\x07")
	if got != "alice level=error msg=forged" {
		t.Fatalf("unexpected sanitized value: %q", got)
	}
}

func TestInitFallsBackToInfo(t *testing.T) {
	Init("nonsense", "json")
	if Logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", Logger.GetLevel())
	}
	if _, ok := Logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", Logger.Formatter)
	}
	Init("debug", "text")
	if Logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", Logger.GetLevel())
	}
}

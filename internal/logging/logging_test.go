package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewParsesKnownLevel(t *testing.T) {
	New("warn")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("GlobalLevel = %v, want WarnLevel", zerolog.GlobalLevel())
	}
}

func TestNewFallsBackToInfoOnUnknownLevel(t *testing.T) {
	New("not-a-real-level")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("GlobalLevel = %v, want InfoLevel", zerolog.GlobalLevel())
	}
}

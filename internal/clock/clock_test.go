package clock_test

import (
	"testing"
	"time"

	"github.com/arachmani/ovirt-hosted-engine-ha/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	if got := m.Now(); !got.Equal(start) {
		t.Fatalf("Now()=%v want %v", got, start)
	}
	if got := m.Advance(30 * time.Second); !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("Advance returned %v", got)
	}
	if got := m.Advance(-time.Hour); !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("negative advance moved clock to %v", got)
	}
}

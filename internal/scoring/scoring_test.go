package scoring

import (
	"testing"
	"time"
)

func TestPoints(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		base, min  int
		elapsed    time.Duration
		wantPoints int
	}{
		{"instant solve", 500, 250, 0, 500},
		{"three minutes", 500, 250, 3 * time.Minute, 485},
		{"fourteen minutes", 1000, 500, 14 * time.Minute, 930},
		{"decay floors at min", 500, 250, 60 * time.Minute, 250},
		{"partial minute rounds down", 500, 250, 90 * time.Second, 495},
		{"exactly at duration boundary", 1000, 500, 15 * time.Minute, 925},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Points(tt.base, tt.min, start, start.Add(tt.elapsed))
			if got != tt.wantPoints {
				t.Errorf("Points(%d,%d,+%v) = %d, want %d", tt.base, tt.min, tt.elapsed, got, tt.wantPoints)
			}
		})
	}
}

func TestPointsMonotoneNonIncreasing(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := Points(1000, 500, start, start)
	for m := 1; m <= 200; m++ {
		cur := Points(1000, 500, start, start.Add(time.Duration(m)*time.Minute))
		if cur > prev {
			t.Fatalf("points increased at minute %d: %d > %d", m, cur, prev)
		}
		if cur < 500 {
			t.Fatalf("points dropped below minPoints at minute %d: %d", m, cur)
		}
		prev = cur
	}
}

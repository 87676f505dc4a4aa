package capture

import (
	"testing"
	"time"
)

func TestSilenceGate_Threshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		silence time.Duration
		frame   time.Duration
		want    int
	}{
		{"exact multiple", time.Second, 100 * time.Millisecond, 10},
		{"rounds up", 50 * time.Millisecond, 20 * time.Millisecond, 3},
		{"default pipeline", 5 * time.Second, 20 * time.Millisecond, 250},
		{"shorter than a frame", time.Millisecond, 20 * time.Millisecond, 1},
		{"zero silence", 0, 20 * time.Millisecond, 1},
		{"zero frame", time.Second, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewSilenceGate(tt.silence, tt.frame).Threshold(); got != tt.want {
				t.Errorf("Threshold() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSilenceGate_FinishesOnTenthSilentFrame(t *testing.T) {
	t.Parallel()
	g := NewSilenceGate(time.Second, 100*time.Millisecond)
	for i := 1; i <= 9; i++ {
		if g.Mark(false) {
			t.Fatalf("gate finished early at frame %d", i)
		}
	}
	if !g.Mark(false) {
		t.Fatal("gate did not finish at frame 10")
	}
	if !g.Mark(false) {
		t.Error("gate should stay finished while silence continues")
	}
}

func TestSilenceGate_VoicedResets(t *testing.T) {
	t.Parallel()
	g := NewSilenceGate(500*time.Millisecond, 100*time.Millisecond)

	seq := []bool{false, false, false, false, true, false, false, false, false}
	for i, voiced := range seq {
		if g.Mark(voiced) {
			t.Fatalf("gate finished at index %d", i)
		}
	}
	if !g.Mark(false) {
		t.Fatal("gate did not finish after five silent frames following the reset")
	}

	g.Reset()
	if g.Mark(false) {
		t.Error("gate finished immediately after Reset")
	}
}

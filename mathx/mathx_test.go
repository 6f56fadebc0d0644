package mathx

import (
	"math"
	"testing"
)

func TestRoundNegative(t *testing.T) {
	got := Round(-0.304, 0.01)
	if math.Abs(got-(-0.30)) > 1e-12 {
		t.Errorf("expected -0.30, got %f", got)
	}
}

func TestRoundPositive(t *testing.T) {
	got := Round(1.2345, 0.1)
	if math.Abs(got-1.2) > 1e-12 {
		t.Errorf("expected 1.2, got %f", got)
	}
}

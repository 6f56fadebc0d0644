package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/nasa-jpl/syncraster/util"
)

func ExampleLimiter_Clamp() {
	l := util.Limiter{Min: -10, Max: 10}
	fmt.Println(l.Clamp(12.5), l.Clamp(-3))
	// Output: 10 -3
}

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{1, 2, 3}
	expected := "1,2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestLimiterZeroValueDisabled(t *testing.T) {
	l := util.Limiter{}
	if !l.Check(1e9) {
		t.Error("zero value limiter rejected a value")
	}
	if l.Clamp(-1e9) != -1e9 {
		t.Error("zero value limiter clamped a value")
	}
}

func TestLimiterCheck(t *testing.T) {
	l := util.Limiter{Min: -1, Max: 1}
	if l.Check(1.5) || l.Check(-1.5) {
		t.Error("limiter accepted out of range values")
	}
	if !l.Check(0.99) {
		t.Error("limiter rejected an in range value")
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

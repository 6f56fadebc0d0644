// Package util contains misc internal utilities.
package util

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// Clamp limits input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	return math.Max(low, math.Min(input, high))
}

// SecsToDuration converts a number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Limiter holds the legal range of an actuator axis.
// The zero value (Min == Max == 0) imposes no limit
type Limiter struct {
	Min float64 `yaml:"Min" koanf:"Min"`
	Max float64 `yaml:"Max" koanf:"Max"`
}

// Enabled returns true if the limiter restricts anything
func (l Limiter) Enabled() bool {
	return l.Min != 0 || l.Max != 0
}

// Check returns true if x is within the limits
func (l Limiter) Check(x float64) bool {
	if !l.Enabled() {
		return true
	}
	return x >= l.Min && x <= l.Max
}

// Clamp limits x to the range of the limiter
func (l Limiter) Clamp(x float64) float64 {
	if !l.Enabled() {
		return x
	}
	return Clamp(x, l.Min, l.Max)
}

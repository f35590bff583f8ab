package sapi

import (
	"math"
	"testing"
	"time"
)

func TestSecondsToTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want time.Duration
	}{
		{0, 0},
		{0.5, 500 * time.Millisecond},
		{2, 2 * time.Second},
		{1e-10, time.Nanosecond},
		{-1, NoTimeout},
		{math.Inf(1), NoTimeout},
		{math.NaN(), NoTimeout},
		{1e300, NoTimeout},
	}

	for _, tt := range tests {
		if got := secondsToTimeout(tt.in); got != tt.want {
			t.Errorf("secondsToTimeout(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCounter_OncePerObserver(t *testing.T) {
	t.Parallel()

	c := &counter{remaining: 2, reached: make(chan struct{})}
	first := c.notifier()
	first()
	first()
	if c.done() {
		t.Fatal("counter reached after one observer fired twice")
	}
	c.notifier()()
	select {
	case <-c.reached:
	default:
		t.Fatal("counter not reached after two observers")
	}
}

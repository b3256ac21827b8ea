package runner

import (
	"testing"
	"time"
)

func TestNoDelayStrategy(t *testing.T) {
	strategy := NoDelayStrategy{}
	if d := strategy.SleepDuration(3, nil); d != 0 {
		t.Fatalf("expected zero delay, got %s", d)
	}
}

func TestExponentialBackoffStrategy(t *testing.T) {
	strategy := ExponentialBackoffStrategy{
		Base:   10 * time.Millisecond,
		Factor: 2,
		Max:    100 * time.Millisecond,
	}

	if d := strategy.SleepDuration(0, nil); d != 10*time.Millisecond {
		t.Fatalf("unexpected delay for attempt 0: %s", d)
	}
	if d := strategy.SleepDuration(2, nil); d != 40*time.Millisecond {
		t.Fatalf("unexpected delay for attempt 2: %s", d)
	}
	if d := strategy.SleepDuration(10, nil); d != 100*time.Millisecond {
		t.Fatalf("expected delay capped at max, got %s", d)
	}
}

func TestExponentialBackoffStrategy_NegativeAttempt(t *testing.T) {
	strategy := ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2}
	if d := strategy.SleepDuration(-5, nil); d != 10*time.Millisecond {
		t.Fatalf("expected base delay for negative attempt, got %s", d)
	}
}

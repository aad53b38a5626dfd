package remote

import (
    "testing"
    "time"
)

func TestRestartCounterBudget(t *testing.T) {
    now := time.Now()
    c := NewRestartCounter(5, 5*time.Second)
    c.nowFn = func() time.Time { return now }

    for i := 0; i < 5; i++ {
        if !c.Restart() {
            t.Fatalf("restart %d should be granted", i+1)
        }
    }
    if c.Restart() {
        t.Fatalf("6th restart within the window must be denied")
    }
    if got := c.Count(); got != 5 {
        t.Fatalf("count = %d, want 5", got)
    }
}

func TestRestartCounterWindowSlides(t *testing.T) {
    now := time.Now()
    c := NewRestartCounter(2, time.Second)
    c.nowFn = func() time.Time { return now }

    if !c.Restart() || !c.Restart() {
        t.Fatalf("first two restarts should be granted")
    }
    if c.Restart() {
        t.Fatalf("third restart should be denied inside window")
    }
    now = now.Add(1100 * time.Millisecond)
    if !c.Restart() {
        t.Fatalf("restart should be granted after window slid past old stamps")
    }
}

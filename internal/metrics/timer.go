package metrics

import (
	"sync/atomic"
	"time"
)

// Timer measures a phase and counts what it completed.
type Timer struct {
	start     time.Time
	completed atomic.Int64
	now       func() time.Time
}

// Snapshot is an immutable capture of a Timer.
type Snapshot struct {
	Start     time.Time     `json:"start" yaml:"start"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
	Completed int64         `json:"completed" yaml:"completed"`
}

// StartTimer begins measuring now.
func StartTimer() *Timer {
	return startTimerWithClock(time.Now)
}

func startTimerWithClock(now func() time.Time) *Timer {
	return &Timer{start: now(), now: now}
}

// Add records n completed operations.
func (t *Timer) Add(n int64) {
	t.completed.Add(n)
}

// Completed returns the count recorded so far.
func (t *Timer) Completed() int64 {
	return t.completed.Load()
}

// Elapsed returns wall time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Snapshot captures start, elapsed time and completed count.
func (t *Timer) Snapshot() Snapshot {
	return Snapshot{
		Start:     t.start,
		Elapsed:   t.Elapsed(),
		Completed: t.completed.Load(),
	}
}

// Rate returns completed operations per second; zero when nothing elapsed.
func (s Snapshot) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Completed) / s.Elapsed.Seconds()
}

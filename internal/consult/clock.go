package consult

import "time"

// Clock supplies the current time and revocable timers. Durations are measured with
// the monotonic reading that time.Now carries.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a revocable pending callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock is the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}

// DefaultResidency is how long finished records stay in memory when no residency is
// configured. Older ones are read back from the database.
const DefaultResidency = time.Hour

func residencyOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultResidency
	}
	return d
}

// expiredResidency reports whether a record finished at doneAt has outlived the window.
func expiredResidency(doneAt *time.Time, cutoff time.Time) bool {
	return doneAt != nil && doneAt.Before(cutoff)
}

package token

import "time"

// Clock abstracts time for the refresh scheduler.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine once d has elapsed. d <= 0 fires immediately.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, f)
}

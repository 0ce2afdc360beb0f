package conn

import "time"

// Task is a pending delayed call.
type Task interface {
	// Stop prevents the call if it has not started. It reports whether the
	// call was stopped.
	Stop() bool
}

// Scheduler runs delayed calls. The manager keeps every Task it creates so
// Disconnect can cancel it.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

type realScheduler struct{}

// SystemScheduler runs tasks on time.AfterFunc.
func SystemScheduler() Scheduler { return realScheduler{} }

func (realScheduler) Now() time.Time { return time.Now() }

func (realScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

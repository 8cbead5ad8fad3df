// Package scheduler provides the delayed-callback contract spec.md §6
// assigns to every service that arms a timer (the heartbeat producer,
// the EMCY and TPDO inhibit timers, LSS's bit-timing delays),
// grounded on durand's scheduler.py
// AbstractScheduler family, which has no direct teacher equivalent —
// the teacher's services instead reach for time.AfterFunc individually
// (pkg/pdo/tpdo.go, pkg/nmt/nmt.go, pkg/heartbeat/single_consumer.go).
// Scheduler keeps that idiom for production use (Async wraps
// time.AfterFunc) while adding the explicit interface both durand and
// spec.md §6 require, so tests can swap in a deterministic clock.
package scheduler

import "sync"

// Handle identifies a scheduled callback so it can later be canceled.
type Handle any

// Scheduler is the contract every timed service in this module depends
// on instead of calling time.AfterFunc directly, per spec.md §6's
// "Scheduler contract".
type Scheduler interface {
	// Add arranges for callback to run once delay has elapsed and
	// returns a Handle usable with Cancel.
	Add(delay float64, callback func()) Handle
	// Cancel cancels a previously scheduled callback. Canceling an
	// already-fired or already-canceled Handle is a no-op.
	Cancel(handle Handle)
	// Lock returns a process-wide mutex services may use to
	// serialize access to dictionary state from timer callbacks,
	// mirroring durand's AbstractScheduler.lock.
	Lock() sync.Locker
}

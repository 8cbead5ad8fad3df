package scheduler

import (
	"sync"
	"time"
)

// Async is the production Scheduler, backed by time.AfterFunc the same
// way the teacher's individual services already time themselves
// (pkg/pdo/tpdo.go, pkg/nmt/nmt.go), grounded on durand's
// AsyncScheduler which wraps asyncio's call_later.
type Async struct {
	mu sync.Mutex
}

// NewAsync creates an Async scheduler.
func NewAsync() *Async {
	return &Async{}
}

func (a *Async) Add(delay float64, callback func()) Handle {
	return time.AfterFunc(time.Duration(delay*float64(time.Second)), callback)
}

func (a *Async) Cancel(handle Handle) {
	timer, ok := handle.(*time.Timer)
	if !ok || timer == nil {
		return
	}
	timer.Stop()
}

func (a *Async) Lock() sync.Locker {
	return &a.mu
}

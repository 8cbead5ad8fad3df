package scheduler

import "sync"

// virtualEntry is a pending callback under a Virtual clock.
type virtualEntry struct {
	id       uint64
	fireAt   float64
	callback func()
}

// Virtual is a deterministic, manually-advanced scheduler for tests,
// grounded on durand's VirtualScheduler: time only moves forward when
// Advance is called, and every entry due within the advanced window
// fires in fire-time order.
type Virtual struct {
	mu      sync.Mutex
	lock    sync.Mutex
	now     float64
	nextID  uint64
	entries map[uint64]*virtualEntry
}

// NewVirtual creates a Virtual scheduler at time 0.
func NewVirtual() *Virtual {
	return &Virtual{entries: make(map[uint64]*virtualEntry)}
}

func (v *Virtual) Add(delay float64, callback func()) Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	id := v.nextID
	v.entries[id] = &virtualEntry{id: id, fireAt: v.now + delay, callback: callback}
	return id
}

func (v *Virtual) Cancel(handle Handle) {
	id, ok := handle.(uint64)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, id)
}

func (v *Virtual) Lock() sync.Locker {
	return &v.lock
}

// Now returns the scheduler's current virtual time.
func (v *Virtual) Now() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the virtual clock forward by duration, firing every
// entry whose deadline falls within [now, now+duration] in deadline
// order, matching durand's VirtualScheduler.run.
func (v *Virtual) Advance(duration float64) {
	v.mu.Lock()
	deadline := v.now + duration
	for {
		var earliest *virtualEntry
		for _, entry := range v.entries {
			if entry.fireAt > deadline {
				continue
			}
			if earliest == nil || entry.fireAt < earliest.fireAt ||
				(entry.fireAt == earliest.fireAt && entry.id < earliest.id) {
				earliest = entry
			}
		}
		if earliest == nil {
			break
		}
		delete(v.entries, earliest.id)
		v.now = earliest.fireAt
		v.mu.Unlock()
		earliest.callback()
		v.mu.Lock()
	}
	v.now = deadline
	v.mu.Unlock()
}

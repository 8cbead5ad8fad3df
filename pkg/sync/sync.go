// Package sync implements the responder side of SYNC (spec.md §4.7):
// subscribe to a configurable COB-ID and fan received frames out to
// registered callbacks in receive order, with no payload inspection.
// Grounded on the teacher's pkg/sync/sync.go for the
// BusManager-embedding, mutex-guarded subscriber shape; the teacher's
// producer/timeout/counter-overflow machinery is master/producer-side
// bookkeeping this module's responder-only scope does not need.
package sync

import (
	"sync"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/od"
)

// Callback is invoked, in registration order, on every received SYNC
// frame.
type Callback func()

// SYNC fans out received SYNC frames to its subscribers.
type SYNC struct {
	*canopen.BusManager

	mu             sync.Mutex
	cobID          uint32
	rxCancel       func()
	order          []uint64
	callbacks      map[uint64]Callback
	nextCallbackID uint64
}

// New creates a SYNC service subscribed to the COB-ID stored in
// entry1005 (dictionary index 0x1005, spec.md §6).
func New(bm *canopen.BusManager, entry1005 *od.Entry) (*SYNC, error) {
	if bm == nil || entry1005 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	cobIDRaw, err := entry1005.Uint32(0)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}

	s := &SYNC{
		BusManager:     bm,
		cobID:          cobIDRaw & 0x7FF,
		callbacks:      make(map[uint64]Callback),
		nextCallbackID: 1,
	}
	cancel, err := bm.Subscribe(s.cobID, 0x7FF, false, s)
	if err != nil {
		return nil, err
	}
	s.rxCancel = cancel
	return s, nil
}

// Handle implements canopen.FrameHandler: any frame received on the
// SYNC COB-ID triggers every registered callback, regardless of
// payload.
func (s *SYNC) Handle(frame canopen.Frame) {
	s.mu.Lock()
	callbacks := make([]Callback, 0, len(s.order))
	for _, id := range s.order {
		if cb, ok := s.callbacks[id]; ok {
			callbacks = append(callbacks, cb)
		}
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// OnSync registers callback and returns a function that unregisters
// it. Callbacks fire in registration order (spec.md §4.7).
func (s *SYNC) OnSync(callback Callback) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextCallbackID
	s.nextCallbackID++
	s.callbacks[id] = callback
	s.order = append(s.order, id)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.callbacks, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// Close unsubscribes from the network.
func (s *SYNC) Close() {
	if s.rxCancel != nil {
		s.rxCancel()
	}
}

// Package heartbeat implements the responder's heartbeat producer
// (spec.md §4.8), extracted into its own package (per the component
// table's separate budget line) from the teacher's pkg/nmt/nmt.go,
// which folds heartbeat production into NMT's sendHeartbeat. The
// self-rescheduling timer idiom is grounded on the teacher's
// pkg/heartbeat/single_consumer.go restartTimeoutTimer, adapted from
// time.AfterFunc directly to this module's Scheduler contract so
// tests can drive it with a Virtual clock.
package heartbeat

import (
	"sync"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/od"
	"github.com/go-canopen/responder/pkg/scheduler"
)

// StateFunc returns the value to embed as the heartbeat payload byte,
// normally the node's current NMT operating state.
type StateFunc func() uint8

// Producer periodically emits `0x700+node_id` with the current NMT
// state as payload, per the period stored in dictionary entry 0x1017.
type Producer struct {
	bm        *canopen.BusManager
	scheduler scheduler.Scheduler
	stateFn   StateFunc

	mu       sync.Mutex
	nodeID   uint8
	periodMs uint16
	handle   scheduler.Handle
	txFrame  canopen.Frame
}

// New creates a Producer wired to entry1017 (dictionary index
// 0x1017), starting it immediately if the stored period is non-zero.
func New(bm *canopen.BusManager, sched scheduler.Scheduler, entry1017 *od.Entry, nodeID uint8, stateFn StateFunc) (*Producer, error) {
	if bm == nil || sched == nil || entry1017 == nil {
		return nil, canopen.ErrIllegalArgument
	}
	periodMs, err := entry1017.Uint16(0)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}

	p := &Producer{
		bm:        bm,
		scheduler: sched,
		stateFn:   stateFn,
		nodeID:    nodeID,
		txFrame:   canopen.NewFrame(0x700+uint32(nodeID), 1),
	}
	entry1017.OnUpdate(0, func(value any) error {
		ms, err := entry1017.Uint16(0)
		if err != nil {
			return nil
		}
		p.setPeriod(ms)
		return nil
	})

	p.setPeriod(periodMs)
	return p, nil
}

// setPeriod implements spec.md §4.8: "Updating it cancels any pending
// scheduled emission; if the new value is non-zero, a
// self-rescheduling closure emits ... every value/1000 seconds."
func (p *Producer) setPeriod(ms uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != nil {
		p.scheduler.Cancel(p.handle)
		p.handle = nil
	}
	p.periodMs = ms
	if ms == 0 {
		return
	}
	p.handle = p.scheduler.Add(float64(ms)/1000, p.emit)
}

func (p *Producer) emit() {
	p.mu.Lock()
	p.txFrame.Data[0] = p.stateFn()
	period := p.periodMs
	p.mu.Unlock()

	_ = p.bm.Send(p.txFrame)

	p.mu.Lock()
	if p.periodMs == period && period != 0 {
		p.handle = p.scheduler.Add(float64(period)/1000, p.emit)
	}
	p.mu.Unlock()
}

// Period returns the currently configured heartbeat period in
// milliseconds.
func (p *Producer) Period() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.periodMs
}

// Stop cancels any pending emission.
func (p *Producer) Stop() {
	p.setPeriod(0)
}

package pdo

import (
	"sync"

	log "github.com/sirupsen/logrus"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/emergency"
	"github.com/go-canopen/responder/pkg/nmt"
	"github.com/go-canopen/responder/pkg/od"
	"github.com/go-canopen/responder/pkg/scheduler"
	syncsvc "github.com/go-canopen/responder/pkg/sync"
)

// RPDO consumes a mapped CAN frame and writes it into the dictionary,
// per spec.md §4.6. Transmission types 0..240 buffer the latest frame
// for the next SYNC; 254/255 write through immediately.
type RPDO struct {
	bm     *canopen.BusManager
	dict   *od.ObjectDictionary
	nmt    *nmt.NMT
	sync   *syncsvc.SYNC
	emcy   *emergency.EMCY
	logger *log.Entry

	commEntry *od.Entry
	mapEntry  *od.Entry

	mu          sync.Mutex
	mapping     mapping
	cobID       uint32
	valid       bool
	synchronous bool

	active     bool
	pending    []byte
	rxCancel   func()
	syncCancel func()
}

// NewRPDO builds an RPDO bound to a communication/mapping parameter record
// pair (e.g. 0x1400/0x1600).
func NewRPDO(bm *canopen.BusManager, dict *od.ObjectDictionary, n *nmt.NMT, s *syncsvc.SYNC, emcy *emergency.EMCY, commEntry, mapEntry *od.Entry) (*RPDO, error) {
	if bm == nil || dict == nil || n == nil || commEntry == nil || mapEntry == nil {
		return nil, canopen.ErrIllegalArgument
	}

	r := &RPDO{
		bm:        bm,
		dict:      dict,
		nmt:       n,
		sync:      s,
		emcy:      emcy,
		logger:    log.WithField("component", "rpdo"),
		commEntry: commEntry,
		mapEntry:  mapEntry,
	}

	commEntry.OnUpdate(od.SubPdoCobId, func(any) error { r.reconfigure(); return nil })
	commEntry.OnUpdate(od.SubPdoTransmissionType, func(any) error { r.reconfigure(); return nil })
	for sub := uint8(0); sub <= od.MaxMappedEntriesPdo; sub++ {
		mapEntry.OnUpdate(sub, func(any) error { r.reconfigure(); return nil })
	}
	n.OnStateChange(func(state nmt.State) { r.reconfigureFor(state) })

	r.reconfigure()
	return r, nil
}

func (r *RPDO) reconfigure() {
	r.reconfigureFor(r.nmt.State())
}

// reconfigureFor takes the NMT state as an argument: NMT state
// callbacks run while NMT holds its own lock, so they cannot call
// r.nmt.State().
func (r *RPDO) reconfigureFor(state nmt.State) {
	cobIDRaw, _ := r.commEntry.Uint32(od.SubPdoCobId)
	txType, _ := r.commEntry.Uint8(od.SubPdoTransmissionType)

	m, err := buildMapping(r.dict, r.mapEntry)
	erroneous := err != nil
	if erroneous {
		r.logger.WithError(err).Warn("invalid RPDO mapping")
		m = mapping{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		r.deactivateLocked()
	}

	r.mapping = m
	r.cobID = cobIDRaw & 0x1FFFFFFF
	r.synchronous = txType <= transmissionTypeSync240
	r.valid = cobIDValid(cobIDRaw) && len(m.slots) > 0 && !erroneous

	if r.valid && state == nmt.StateOperational {
		r.activateLocked()
	}
}

func (r *RPDO) activateLocked() {
	r.active = true
	r.pending = nil
	cancel, err := r.bm.Subscribe(r.cobID, 0x7FF, false, r)
	if err != nil {
		r.logger.WithError(err).Warn("failed to subscribe RPDO")
		r.active = false
		return
	}
	r.rxCancel = cancel
	if r.synchronous && r.sync != nil {
		r.syncCancel = r.sync.OnSync(r.onSync)
	}
}

func (r *RPDO) deactivateLocked() {
	r.active = false
	r.pending = nil
	if r.rxCancel != nil {
		r.rxCancel()
		r.rxCancel = nil
	}
	if r.syncCancel != nil {
		r.syncCancel()
		r.syncCancel = nil
	}
}

// Handle implements canopen.FrameHandler, invoked by BusManager on
// every frame received on this RPDO's COB-ID.
func (r *RPDO) Handle(frame canopen.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}

	if int(frame.Length) != r.mapping.dataLength {
		if r.emcy != nil {
			r.emcy.Set(emergency.ErrPdoLength, emergency.ErrRegCommunication, nil)
		}
		return
	}

	data := make([]byte, frame.Length)
	copy(data, frame.Data[:frame.Length])

	if !r.synchronous {
		r.writeAllLocked(data)
		return
	}
	r.pending = data
}

// onSync applies the latest buffered frame, if any, coalescing any
// frames received between SYNCs to just the most recent one (spec.md
// §4.6: "the frame is buffered; the next SYNC invokes the actual
// writes").
func (r *RPDO) onSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.pending == nil {
		return
	}
	data := r.pending
	r.pending = nil
	r.writeAllLocked(data)
}

func (r *RPDO) writeAllLocked(data []byte) {
	offset := 0
	for _, slot := range r.mapping.slots {
		if offset+slot.length > len(data) {
			break
		}
		if err := unpackSlot(slot, data[offset:offset+slot.length]); err != nil {
			r.logger.WithError(err).Debug("rpdo: discarded write to mapped slot")
		}
		offset += slot.length
	}
}

// Close tears down the RPDO's subscriptions.
func (r *RPDO) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivateLocked()
}

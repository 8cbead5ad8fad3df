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

// Transmission-type boundaries (spec.md §4.5): 0 is change-gated
// sync-cyclic, 1..240 is every-Nth-sync, 254/255 are event-driven.
// Values strictly between 240 and 254 are invalid and clamp to 254,
// matching the teacher's configureTransmissionType.
const (
	transmissionTypeSyncAcyclic = 0
	transmissionTypeSync240     = 240
	transmissionTypeEventLo     = 254
)

func clampTransmissionType(t uint8) uint8 {
	if t > transmissionTypeSync240 && t < transmissionTypeEventLo {
		return transmissionTypeEventLo
	}
	return t
}

type slotSub struct {
	entry *od.Entry
	sub   uint8
	token od.Token
}

// TPDO produces a mapped CAN frame under NMT/COB-ID/mapping activation
// conditions, per spec.md §4.5.
type TPDO struct {
	bm     *canopen.BusManager
	sched  scheduler.Scheduler
	dict   *od.ObjectDictionary
	nmt    *nmt.NMT
	sync   *syncsvc.SYNC
	emcy   *emergency.EMCY
	logger *log.Entry

	commEntry *od.Entry
	mapEntry  *od.Entry

	mu               sync.Mutex
	mapping          mapping
	cobID            uint32
	valid            bool
	transmissionType uint8
	inhibitUs        uint32

	active        bool
	dirty         bool
	syncCounter   uint8
	inhibitActive bool
	retrigger     bool
	inhibitHandle scheduler.Handle
	slotSubs      []slotSub
	syncCancel    func()
	frame         canopen.Frame
}

// NewTPDO builds a TPDO bound to a communication/mapping parameter record
// pair (e.g. 0x1800/0x1A00), reconfiguring itself whenever NMT state,
// the COB-ID, the transmission type, the inhibit time, or the mapping
// changes.
func NewTPDO(bm *canopen.BusManager, sched scheduler.Scheduler, dict *od.ObjectDictionary, n *nmt.NMT, s *syncsvc.SYNC, emcy *emergency.EMCY, commEntry, mapEntry *od.Entry) (*TPDO, error) {
	if bm == nil || sched == nil || dict == nil || n == nil || commEntry == nil || mapEntry == nil {
		return nil, canopen.ErrIllegalArgument
	}

	t := &TPDO{
		bm:        bm,
		sched:     sched,
		dict:      dict,
		nmt:       n,
		sync:      s,
		emcy:      emcy,
		logger:    log.WithField("component", "tpdo"),
		commEntry: commEntry,
		mapEntry:  mapEntry,
	}

	commEntry.OnUpdate(od.SubPdoCobId, func(any) error { t.reconfigure(); return nil })
	commEntry.OnUpdate(od.SubPdoTransmissionType, func(any) error { t.reconfigure(); return nil })
	commEntry.OnUpdate(od.SubPdoInhibitTime, func(any) error { t.reconfigure(); return nil })
	for sub := uint8(0); sub <= od.MaxMappedEntriesPdo; sub++ {
		mapEntry.OnUpdate(sub, func(any) error { t.reconfigure(); return nil })
	}
	n.OnStateChange(func(state nmt.State) { t.onStateChange(state) })

	t.reconfigure()
	return t, nil
}

func (t *TPDO) onStateChange(state nmt.State) {
	t.reconfigureFor(state)
}

// reconfigure re-derives COB-ID validity, transmission type, inhibit
// time and mapping from the dictionary, and activates/deactivates
// transmission accordingly (spec.md §4.5's activation conditions).
func (t *TPDO) reconfigure() {
	t.reconfigureFor(t.nmt.State())
}

// reconfigureFor is reconfigure with the NMT state passed in: NMT state
// callbacks run while NMT holds its own lock, so onStateChange cannot
// call t.nmt.State().
func (t *TPDO) reconfigureFor(state nmt.State) {
	cobIDRaw, _ := t.commEntry.Uint32(od.SubPdoCobId)
	txType, _ := t.commEntry.Uint8(od.SubPdoTransmissionType)
	inhibitRaw, _ := t.commEntry.Uint16(od.SubPdoInhibitTime)

	m, err := buildMapping(t.dict, t.mapEntry)
	erroneous := err != nil
	if erroneous {
		t.logger.WithError(err).Warn("invalid TPDO mapping")
		m = mapping{}
		if t.emcy != nil {
			t.emcy.Set(emergency.ErrProtocolError, emergency.ErrRegCommunication, nil)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Any config change tears down and rebuilds activation state from
	// scratch, since a stale mapping change (if staying active) would
	// otherwise leave old per-slot callbacks pointing at a mapping
	// that no longer matches t.mapping's indices.
	if t.active {
		t.deactivateLocked()
	}

	t.transmissionType = clampTransmissionType(txType)
	t.inhibitUs = uint32(inhibitRaw) * 100
	t.mapping = m
	t.cobID = cobIDRaw & 0x1FFFFFFF
	t.valid = cobIDValid(cobIDRaw) && len(m.slots) > 0 && !erroneous
	t.frame = canopen.NewFrame(t.cobID, uint8(m.dataLength))

	if t.valid && state == nmt.StateOperational {
		t.activateLocked()
	}
}

// activateLocked pre-packs every mapped slot and installs an update
// callback per slot (spec.md §4.5: "pre-packs the current value into
// the cache" / "installs an update callback").
func (t *TPDO) activateLocked() {
	t.active = true
	t.dirty = false
	t.syncCounter = t.transmissionType
	t.packAllLocked()

	for i, slot := range t.mapping.slots {
		slot := slot
		index := i
		token := slot.entry.OnUpdate(slot.sub, func(any) error {
			t.onSlotUpdate(index)
			return nil
		})
		t.slotSubs = append(t.slotSubs, slotSub{entry: slot.entry, sub: slot.sub, token: token})
	}

	if t.transmissionType <= transmissionTypeSync240 && t.sync != nil {
		t.syncCancel = t.sync.OnSync(t.onSync)
	}
}

// deactivateLocked removes every installed callback and clears the
// cache (spec.md §4.5: "callbacks are removed and the cache is
// cleared").
func (t *TPDO) deactivateLocked() {
	t.active = false
	t.dirty = false
	t.retrigger = false
	for _, ss := range t.slotSubs {
		ss.entry.RemoveUpdate(ss.sub, ss.token)
	}
	t.slotSubs = nil
	if t.syncCancel != nil {
		t.syncCancel()
		t.syncCancel = nil
	}
	if t.inhibitHandle != nil {
		t.sched.Cancel(t.inhibitHandle)
		t.inhibitHandle = nil
	}
	t.inhibitActive = false
	for i := range t.frame.Data {
		t.frame.Data[i] = 0
	}
}

func (t *TPDO) packAllLocked() {
	offset := 0
	for _, slot := range t.mapping.slots {
		if offset+slot.length <= len(t.frame.Data) {
			_ = packSlot(slot, t.frame.Data[offset:offset+slot.length])
		}
		offset += slot.length
	}
}

func (t *TPDO) slotOffset(index int) int {
	offset := 0
	for i := 0; i < index; i++ {
		offset += t.mapping.slots[i].length
	}
	return offset
}

// onSlotUpdate re-packs the one mapped slot that changed and applies
// the transmission-type policy: event-driven types send immediately,
// sync-gated types just mark the PDO dirty for the next SYNC.
func (t *TPDO) onSlotUpdate(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || index >= len(t.mapping.slots) {
		return
	}
	slot := t.mapping.slots[index]
	offset := t.slotOffset(index)
	if offset+slot.length <= len(t.frame.Data) {
		_ = packSlot(slot, t.frame.Data[offset:offset+slot.length])
	}
	t.dirty = true

	if t.transmissionType > transmissionTypeSync240 {
		t.checkAndSendLocked()
	}
}

// onSync implements the 0/1..240 sync-gated policies: type 0 emits
// only if a mapped value changed since the previous SYNC, 1..240
// counts down and emits regardless of change every Nth SYNC.
func (t *TPDO) onSync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	switch {
	case t.transmissionType == transmissionTypeSyncAcyclic:
		if t.dirty {
			t.checkAndSendLocked()
			t.dirty = false
		}
	default:
		if t.syncCounter == 0 {
			t.syncCounter = t.transmissionType
		}
		t.syncCounter--
		if t.syncCounter == 0 {
			t.checkAndSendLocked()
		}
	}
}

// checkAndSendLocked implements the inhibit timer's "retrigger
// pending" semantics verbatim from spec.md §4.5: a trigger during the
// inhibit window just records a pending retransmission instead of
// emitting.
func (t *TPDO) checkAndSendLocked() {
	if t.inhibitActive {
		t.retrigger = true
		return
	}
	t.sendLocked()
}

func (t *TPDO) sendLocked() {
	if err := t.bm.Send(t.frame); err != nil {
		t.logger.WithError(err).Warn("failed to send TPDO frame")
	}
	if t.inhibitUs == 0 {
		return
	}
	t.inhibitActive = true
	t.inhibitHandle = t.sched.Add(float64(t.inhibitUs)/1e6, t.onInhibitExpiry)
}

func (t *TPDO) onInhibitExpiry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inhibitActive = false
	t.inhibitHandle = nil
	if !t.active || !t.retrigger {
		return
	}
	t.retrigger = false
	t.sendLocked()
}

// Close tears down the TPDO's subscriptions.
func (t *TPDO) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deactivateLocked()
}

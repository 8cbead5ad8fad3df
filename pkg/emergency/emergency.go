// Package emergency implements the EMCY producer (spec.md
// §4.9): dictionary-driven error register, a configurable COB-ID with
// a disable bit, and an inhibit timer that coalesces bursts of errors
// into the single most recent event. Grounded on the teacher's
// pkg/emergency/emergency.go for its error-code/error-bit vocabulary
// and BusManager-embedding shape, but its FIFO queue (emfifo,
// fifoWrPtr/fifoPpPtr/fifoOverflow) is replaced by the single-slot
// "latest deferred event" model spec.md §4.9/§7 calls for ("EMCY
// inhibit never drops the most recent error; it may drop intermediate
// ones").
package emergency

import (
	"encoding/binary"
	"sync"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/od"
	"github.com/go-canopen/responder/pkg/scheduler"
)

// Error register bits (CiA 301 Table 12), carried from the teacher's
// vocabulary for callers that want to compose a register value.
const (
	ErrRegGeneric       uint8 = 0x01
	ErrRegCurrent       uint8 = 0x02
	ErrRegVoltage       uint8 = 0x04
	ErrRegTemperature   uint8 = 0x08
	ErrRegCommunication uint8 = 0x10
	ErrRegDevProfile    uint8 = 0x20
	ErrRegManufacturer  uint8 = 0x80
)

// A representative subset of CiA 301 error codes, grounded on the
// teacher's pkg/emergency/emergency.go constant table.
const (
	ErrNoError         uint16 = 0x0000
	ErrGeneric         uint16 = 0x1000
	ErrCurrent         uint16 = 0x2000
	ErrVoltage         uint16 = 0x3000
	ErrTemperature     uint16 = 0x4000
	ErrHardware        uint16 = 0x5000
	ErrSoftwareDevice  uint16 = 0x6000
	ErrDataSet         uint16 = 0x6300
	ErrMonitoring      uint16 = 0x8000
	ErrCommunication   uint16 = 0x8100
	ErrHeartbeatError  uint16 = 0x8130
	ErrProtocolError   uint16 = 0x8200
	ErrPdoLength       uint16 = 0x8210
	ErrSyncDataLength  uint16 = 0x8240
	ErrRpdoTimeout     uint16 = 0x8250
	ErrExternalError   uint16 = 0x9000
)

type event struct {
	code     uint16
	register uint8
	data     [5]byte
}

// EMCY emits emergency frames under the dictionary-configured COB-ID
// and inhibit time.
type EMCY struct {
	bm        *canopen.BusManager
	scheduler scheduler.Scheduler
	entry1001 *od.Entry

	mu            sync.Mutex
	nodeID        uint8
	cobID         uint32
	enabled       bool
	inhibitUs     uint32
	inhibitActive bool
	pending       *event
	txFrame       canopen.Frame
}

// New creates an EMCY service reading its configuration from
// entry1001 (0x1001 error register), entry1014 (0x1014 COB-ID), and
// entry1015 (0x1015 inhibit time, 100 µs units).
func New(bm *canopen.BusManager, sched scheduler.Scheduler, entry1001, entry1014, entry1015 *od.Entry, nodeID uint8) (*EMCY, error) {
	if bm == nil || sched == nil || entry1001 == nil || entry1014 == nil {
		return nil, canopen.ErrIllegalArgument
	}

	cobIDRaw, err := entry1014.Uint32(0)
	if err != nil {
		return nil, canopen.ErrOdParameters
	}

	e := &EMCY{
		bm:        bm,
		scheduler: sched,
		entry1001: entry1001,
		nodeID:    nodeID,
		cobID:     cobIDRaw & 0x7FF,
		enabled:   cobIDRaw&0x80000000 == 0,
		txFrame:   canopen.NewFrame(cobIDRaw&0x7FF, 8),
	}

	entry1014.OnUpdate(0, func(value any) error {
		raw, err := entry1014.Uint32(0)
		if err != nil {
			return nil
		}
		e.mu.Lock()
		e.cobID = raw & 0x7FF
		e.enabled = raw&0x80000000 == 0
		e.txFrame = canopen.NewFrame(e.cobID, 8)
		e.mu.Unlock()
		return nil
	})

	if entry1015 != nil {
		inhibitRaw, err := entry1015.Uint16(0)
		if err == nil {
			e.inhibitUs = uint32(inhibitRaw) * 100
		}
		entry1015.OnUpdate(0, func(value any) error {
			raw, err := entry1015.Uint16(0)
			if err != nil {
				return nil
			}
			e.mu.Lock()
			e.inhibitUs = uint32(raw) * 100
			e.mu.Unlock()
			return nil
		})
	}

	return e, nil
}

// Set implements spec.md §4.9's `set(error_code, error_register,
// data)`: the error register is stored unconditionally; emission is
// gated by the enabled flag and the inhibit window.
func (e *EMCY) Set(errorCode uint16, errorRegister uint8, data []byte) error {
	if err := e.entry1001.WriteLocal(0, uint64(errorRegister)); err != nil {
		return err
	}

	var payload [5]byte
	copy(payload[:], data)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return nil
	}
	if e.inhibitActive {
		e.pending = &event{code: errorCode, register: errorRegister, data: payload}
		return nil
	}
	e.emitLocked(errorCode, errorRegister, payload)
	return nil
}

func (e *EMCY) emitLocked(code uint16, register uint8, data [5]byte) {
	binary.LittleEndian.PutUint16(e.txFrame.Data[0:2], code)
	e.txFrame.Data[2] = register
	copy(e.txFrame.Data[3:8], data[:])
	_ = e.bm.Send(e.txFrame)

	if e.inhibitUs == 0 {
		return
	}
	e.inhibitActive = true
	e.scheduler.Add(float64(e.inhibitUs)/1e6, e.onInhibitExpiry)
}

func (e *EMCY) onInhibitExpiry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inhibitActive = false
	if e.pending == nil {
		return
	}
	pending := e.pending
	e.pending = nil
	e.emitLocked(pending.code, pending.register, pending.data)
}

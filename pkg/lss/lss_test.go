package lss

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/nmt"
	"github.com/go-canopen/responder/pkg/od"
	"github.com/go-canopen/responder/pkg/scheduler"
)

type recordingBus struct {
	mu   sync.Mutex
	sent []canopen.Frame
}

func (b *recordingBus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}
func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) frames() []canopen.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]canopen.Frame, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *recordingBus) last() canopen.Frame {
	frames := b.frames()
	return frames[len(frames)-1]
}

type testFixture struct {
	lss  *LSS
	nmt  *nmt.NMT
	bus  *recordingBus
	v    *scheduler.Virtual
	dict *od.ObjectDictionary
}

func newFixture(t *testing.T, nodeID uint8, vendor, product, revision, serial uint32) *testFixture {
	t.Helper()
	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, &sync.Mutex{})
	v := scheduler.NewVirtual()

	n, err := nmt.New(bm, nodeID)
	require.NoError(t, err)
	n.Start()
	bus.mu.Lock()
	bus.sent = nil
	bus.mu.Unlock()

	dict := od.New()
	record := od.NewRecord("identity")
	vVar, _ := od.NewVariable("vendor", od.UNSIGNED32, od.AccessRO, uint64(vendor), 1, nil, nil)
	pVar, _ := od.NewVariable("product", od.UNSIGNED32, od.AccessRO, uint64(product), 1, nil, nil)
	rVar, _ := od.NewVariable("revision", od.UNSIGNED32, od.AccessRO, uint64(revision), 1, nil, nil)
	sVar, _ := od.NewVariable("serial", od.UNSIGNED32, od.AccessRO, uint64(serial), 1, nil, nil)
	record.AddSubObject(1, vVar)
	record.AddSubObject(2, pVar)
	record.AddSubObject(3, rVar)
	record.AddSubObject(4, sVar)
	dict.Insert(od.NewRecordEntry(0x1018, "Identity object", record))

	l, err := New(bm, v, n, dict.Index(0x1018))
	require.NoError(t, err)

	return &testFixture{lss: l, nmt: n, bus: bus, v: v, dict: dict}
}

func selectiveFrame(cmd command, value uint32) canopen.Frame {
	frame := canopen.NewFrame(RxCobID, 8)
	frame.Data[0] = byte(cmd)
	binary.LittleEndian.PutUint32(frame.Data[1:5], value)
	return frame
}

func TestSelectiveIdentificationExactMatchEntersConfiguration(t *testing.T) {
	f := newFixture(t, 5, 0x10, 0x20, 0x30, 0x40)

	f.lss.Handle(selectiveFrame(cmdSwitchSelectiveVendor, 0x10))
	f.lss.Handle(selectiveFrame(cmdSwitchSelectiveProduct, 0x20))
	f.lss.Handle(selectiveFrame(cmdSwitchSelectiveRevision, 0x30))
	f.lss.Handle(selectiveFrame(cmdSwitchSelectiveSerial, 0x40))

	assert.Equal(t, StateConfiguration, f.lss.State())
	frames := f.bus.frames()
	require.Len(t, frames, 1)
	assert.EqualValues(t, TxCobID, frames[0].ID)
	assert.EqualValues(t, cmdSwitchSelectiveResult, frames[0].Data[0])
}

func TestSelectiveIdentificationMismatchStaysWaiting(t *testing.T) {
	f := newFixture(t, 5, 0x10, 0x20, 0x30, 0x40)

	f.lss.Handle(selectiveFrame(cmdSwitchSelectiveVendor, 0x10))
	f.lss.Handle(selectiveFrame(cmdSwitchSelectiveProduct, 0x20))
	f.lss.Handle(selectiveFrame(cmdSwitchSelectiveRevision, 0x30))
	f.lss.Handle(selectiveFrame(cmdSwitchSelectiveSerial, 0x41))

	assert.Equal(t, StateWaiting, f.lss.State())
	assert.Empty(t, f.bus.frames())
}

func TestGlobalSwitchThenNodeIDSetTriggersBootup(t *testing.T) {
	f := newFixture(t, 0xFF, 0x10, 0x20, 0x30, 0x40)

	switchToConfig := canopen.NewFrame(RxCobID, 8)
	switchToConfig.Data[0] = byte(cmdSwitchGlobal)
	switchToConfig.Data[1] = 1
	f.lss.Handle(switchToConfig)
	assert.Equal(t, StateConfiguration, f.lss.State())

	setNodeID := canopen.NewFrame(RxCobID, 8)
	setNodeID.Data[0] = byte(cmdConfigureNodeID)
	setNodeID.Data[1] = 1
	f.lss.Handle(setNodeID)

	ackFrame := f.bus.last()
	assert.EqualValues(t, cmdConfigureNodeID, ackFrame.Data[0])
	assert.EqualValues(t, ConfigNodeIDOk, ackFrame.Data[1])
	assert.EqualValues(t, 1, f.nmt.PendingNodeID())

	switchToWaiting := canopen.NewFrame(RxCobID, 8)
	switchToWaiting.Data[0] = byte(cmdSwitchGlobal)
	switchToWaiting.Data[1] = 0
	f.lss.Handle(switchToWaiting)

	assert.Equal(t, StateWaiting, f.lss.State())
	bootup := f.bus.last()
	assert.EqualValues(t, 0x701, bootup.ID)
	assert.EqualValues(t, 0x00, bootup.Data[0])
	assert.EqualValues(t, 1, f.nmt.NodeID())
}

func TestConfigureNodeIDOutOfRangeRejected(t *testing.T) {
	f := newFixture(t, 0xFF, 0x10, 0x20, 0x30, 0x40)
	switchToConfig := canopen.NewFrame(RxCobID, 8)
	switchToConfig.Data[0] = byte(cmdSwitchGlobal)
	switchToConfig.Data[1] = 1
	f.lss.Handle(switchToConfig)

	setNodeID := canopen.NewFrame(RxCobID, 8)
	setNodeID.Data[0] = byte(cmdConfigureNodeID)
	setNodeID.Data[1] = 200
	f.lss.Handle(setNodeID)

	reply := f.bus.last()
	assert.EqualValues(t, ConfigNodeIDOutOfRange, reply.Data[1])
}

func TestInquireServicesOnlyAnsweredInConfiguration(t *testing.T) {
	f := newFixture(t, 5, 0x10, 0x20, 0x30, 0x40)

	inquire := canopen.NewFrame(RxCobID, 8)
	inquire.Data[0] = byte(cmdInquireVendor)
	f.lss.Handle(inquire)
	assert.Empty(t, f.bus.frames(), "inquire is ignored outside configuration")

	switchToConfig := canopen.NewFrame(RxCobID, 8)
	switchToConfig.Data[0] = byte(cmdSwitchGlobal)
	switchToConfig.Data[1] = 1
	f.lss.Handle(switchToConfig)

	f.lss.Handle(inquire)
	reply := f.bus.last()
	assert.EqualValues(t, cmdInquireVendor, reply.Data[0])
	assert.EqualValues(t, 0x10, binary.LittleEndian.Uint32(reply.Data[1:5]))
}

func TestFastscanResetThenNarrowsToConfiguration(t *testing.T) {
	f := newFixture(t, 0xFF, 0x11223344, 0xAABBCCDD, 0x01020304, 0x0A0B0C0D)

	reset := canopen.NewFrame(RxCobID, 8)
	reset.Data[0] = byte(cmdFastscan)
	reset.Data[5] = 0x80
	f.lss.Handle(reset)
	require.Len(t, f.bus.frames(), 1)

	// Confirm each of the four identity fields in turn with
	// bitChecked=0 (a full 32-bit mask), matching the fixture's own
	// address exactly. The fourth confirmation (lssSub==3,
	// bitChecked==0) is the terminal transition into CONFIGURATION.
	fields := []uint32{0x11223344, 0xAABBCCDD, 0x01020304, 0x0A0B0C0D}
	for sub, value := range fields {
		frame := canopen.NewFrame(RxCobID, 8)
		frame.Data[0] = byte(cmdFastscan)
		binary.LittleEndian.PutUint32(frame.Data[1:5], value)
		frame.Data[5] = 0
		frame.Data[6] = byte(sub)
		frame.Data[7] = byte(sub + 1)
		f.lss.Handle(frame)
		if sub < len(fields)-1 {
			assert.Equal(t, StateWaiting, f.lss.State(), "not configuration until all four fields confirm")
		}
	}

	assert.Equal(t, StateConfiguration, f.lss.State(), "fourth field confirmed at bitChecked==0 enters configuration")
}

func TestBitTimingConfigureActivateAndStore(t *testing.T) {
	f := newFixture(t, 5, 0x10, 0x20, 0x30, 0x40)
	switchToConfig := canopen.NewFrame(RxCobID, 8)
	switchToConfig.Data[0] = byte(cmdSwitchGlobal)
	switchToConfig.Data[1] = 1
	f.lss.Handle(switchToConfig)

	var applied uint8 = 0xFF
	f.lss.SetBaudrateChangeCallback(func(index uint8) { applied = index })

	configure := canopen.NewFrame(RxCobID, 8)
	configure.Data[0] = byte(cmdConfigureBitTiming)
	configure.Data[1] = 0
	configure.Data[2] = 3
	f.lss.Handle(configure)
	reply := f.bus.last()
	assert.EqualValues(t, 0, reply.Data[1])

	activate := canopen.NewFrame(RxCobID, 8)
	activate.Data[0] = byte(cmdActivateBitTiming)
	binary.LittleEndian.PutUint16(activate.Data[1:3], 10)
	f.lss.Handle(activate)

	f.v.Advance(0.02)
	assert.EqualValues(t, 3, applied)

	stored := false
	f.lss.SetStoreConfigCallback(func() error { stored = true; return nil })
	store := canopen.NewFrame(RxCobID, 8)
	store.Data[0] = byte(cmdStoreConfiguration)
	f.lss.Handle(store)
	assert.True(t, stored)
	reply = f.bus.last()
	assert.EqualValues(t, 0, reply.Data[1])
}

func TestStoreConfigurationUnsupportedWithoutCallback(t *testing.T) {
	f := newFixture(t, 5, 0x10, 0x20, 0x30, 0x40)
	switchToConfig := canopen.NewFrame(RxCobID, 8)
	switchToConfig.Data[0] = byte(cmdSwitchGlobal)
	switchToConfig.Data[1] = 1
	f.lss.Handle(switchToConfig)

	store := canopen.NewFrame(RxCobID, 8)
	store.Data[0] = byte(cmdStoreConfiguration)
	f.lss.Handle(store)

	reply := f.bus.last()
	assert.EqualValues(t, 1, reply.Data[1])
}

func TestMalformedFrameLengthDropped(t *testing.T) {
	f := newFixture(t, 5, 0x10, 0x20, 0x30, 0x40)
	frame := canopen.NewFrame(RxCobID, 3)
	f.lss.Handle(frame)
	assert.Empty(t, f.bus.frames())
}

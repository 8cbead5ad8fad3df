package pdo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/od"
)

func setupRpdoMapping(t *testing.T, f *pdoFixture, cobID uint32, transmissionType uint8) (commEntry, mapEntry *od.Entry) {
	t.Helper()
	_, err := f.dict.AddVariable(appTempIndex, "temperature", od.UNSIGNED16, od.AccessRW, uint64(0))
	require.NoError(t, err)

	f.dict.AddRPDO(1)
	commEntry = f.dict.Index(od.EntryRPDOCommunicationStart)
	mapEntry = f.dict.Index(od.EntryRPDOMappingStart)

	require.NoError(t, mapEntry.Write(1, mapParam(appTempIndex, 0, 16), true))
	require.NoError(t, mapEntry.Write(0, uint64(1), true))
	require.NoError(t, commEntry.Write(od.SubPdoCobId, uint64(cobID), true))
	require.NoError(t, commEntry.Write(od.SubPdoTransmissionType, uint64(transmissionType), true))
	return commEntry, mapEntry
}

func rxFrame(cobID uint32, value uint16) canopen.Frame {
	frame := canopen.NewFrame(cobID, 2)
	binary.LittleEndian.PutUint16(frame.Data[0:2], value)
	return frame
}

func TestRPDOEventDrivenWritesImmediately(t *testing.T) {
	f := newPdoFixture(t, 5)
	commEntry, mapEntry := setupRpdoMapping(t, f, 0x2C0, 255)

	_, err := NewRPDO(f.bm, f.dict, f.nmt, f.sync, f.emcy, commEntry, mapEntry)
	require.NoError(t, err)
	f.start(t)

	f.bm.Handle(rxFrame(0x2C0, 4321))

	value, err := f.dict.Index(appTempIndex).Uint16(0)
	require.NoError(t, err)
	assert.EqualValues(t, 4321, value)
}

func TestRPDOSynchronousBuffersUntilSync(t *testing.T) {
	f := newPdoFixture(t, 5)
	commEntry, mapEntry := setupRpdoMapping(t, f, 0x2C0, 1)

	_, err := NewRPDO(f.bm, f.dict, f.nmt, f.sync, f.emcy, commEntry, mapEntry)
	require.NoError(t, err)
	f.start(t)

	f.bm.Handle(rxFrame(0x2C0, 111))
	value, err := f.dict.Index(appTempIndex).Uint16(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, value, "a buffered frame is not applied before the next SYNC")

	cobRaw, err := f.dict.Index(od.EntryCobIdSYNC).Uint32(0)
	require.NoError(t, err)
	f.sync.Handle(canopen.NewFrame(cobRaw&0x7FF, 0))

	value, err = f.dict.Index(appTempIndex).Uint16(0)
	require.NoError(t, err)
	assert.EqualValues(t, 111, value, "the SYNC applies the buffered write")
}

func TestRPDOSynchronousCoalescesToLatestFrameBeforeSync(t *testing.T) {
	f := newPdoFixture(t, 5)
	commEntry, mapEntry := setupRpdoMapping(t, f, 0x2C0, 1)

	_, err := NewRPDO(f.bm, f.dict, f.nmt, f.sync, f.emcy, commEntry, mapEntry)
	require.NoError(t, err)
	f.start(t)

	f.bm.Handle(rxFrame(0x2C0, 1))
	f.bm.Handle(rxFrame(0x2C0, 2))
	f.bm.Handle(rxFrame(0x2C0, 3))

	cobRaw, err := f.dict.Index(od.EntryCobIdSYNC).Uint32(0)
	require.NoError(t, err)
	f.sync.Handle(canopen.NewFrame(cobRaw&0x7FF, 0))

	value, err := f.dict.Index(appTempIndex).Uint16(0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, value, "only the latest frame since the last SYNC survives")
}

func TestRPDOLengthMismatchEmitsEMCYAndDrops(t *testing.T) {
	f := newPdoFixture(t, 5)
	commEntry, mapEntry := setupRpdoMapping(t, f, 0x2C0, 255)

	_, err := NewRPDO(f.bm, f.dict, f.nmt, f.sync, f.emcy, commEntry, mapEntry)
	require.NoError(t, err)
	f.start(t)

	badFrame := canopen.NewFrame(0x2C0, 1) // mapping expects 2 bytes
	f.bm.Handle(badFrame)

	value, err := f.dict.Index(appTempIndex).Uint16(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, value, "the malformed frame is dropped, not partially applied")

	frames := f.bus.frames()
	require.Len(t, frames, 1, "exactly one EMCY frame is emitted for the malformed frame")
	assert.EqualValues(t, 0x8210, binary.LittleEndian.Uint16(frames[0].Data[0:2]))
}

func TestRPDOInactiveWhenCobIDDisabled(t *testing.T) {
	f := newPdoFixture(t, 5)
	commEntry, mapEntry := setupRpdoMapping(t, f, 0x800002C0, 255)

	_, err := NewRPDO(f.bm, f.dict, f.nmt, f.sync, f.emcy, commEntry, mapEntry)
	require.NoError(t, err)
	f.start(t)

	f.bm.Handle(rxFrame(0x2C0, 4321))

	value, err := f.dict.Index(appTempIndex).Uint16(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, value, "a disabled RPDO never subscribes, so no frame reaches it")
}

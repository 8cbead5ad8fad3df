package pdo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/emergency"
	"github.com/go-canopen/responder/pkg/nmt"
	"github.com/go-canopen/responder/pkg/od"
	"github.com/go-canopen/responder/pkg/scheduler"
	syncsvc "github.com/go-canopen/responder/pkg/sync"
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

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
}

func mapParam(index uint16, sub uint8, bits uint8) uint64 {
	return uint64(index)<<16 | uint64(sub)<<8 | uint64(bits)
}

// pdoFixture wires a dictionary, an NMT instance already driven to
// Operational, a SYNC service, and an EMCY service around a recording
// bus, the shared scaffolding tpdo_test.go/rpdo_test.go build on.
type pdoFixture struct {
	bus   *recordingBus
	bm    *canopen.BusManager
	dict  *od.ObjectDictionary
	nmt   *nmt.NMT
	sync  *syncsvc.SYNC
	emcy  *emergency.EMCY
	sched *scheduler.Virtual
}

func newPdoFixture(t *testing.T, nodeID uint8) *pdoFixture {
	t.Helper()
	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, &sync.Mutex{})

	dict := od.New()
	dict.AddSYNC()
	dict.AddVariable(od.EntryErrorRegister, "error register", od.UNSIGNED8, od.AccessRO, uint64(0))
	emcyCobID := uint64(0x80000000) | (uint64(0x80) + uint64(nodeID))
	dict.AddVariable(od.EntryCobIdEMCY, "COB-ID EMCY", od.UNSIGNED32, od.AccessRW, emcyCobID)
	dict.AddVariable(od.EntryInhibitTimeEMCY, "inhibit time EMCY", od.UNSIGNED16, od.AccessRW, uint64(0))

	n, err := nmt.New(bm, nodeID)
	require.NoError(t, err)
	n.Start()
	bus.reset()

	sched := scheduler.NewVirtual()

	syncSvc, err := syncsvc.New(bm, dict.Index(od.EntryCobIdSYNC))
	require.NoError(t, err)

	emcySvc, err := emergency.New(bm, sched, dict.Index(od.EntryErrorRegister), dict.Index(od.EntryCobIdEMCY), dict.Index(od.EntryInhibitTimeEMCY), nodeID)
	require.NoError(t, err)
	// EMCY COB-ID defaults to disabled above; enable it for tests that
	// want to observe emitted frames.
	require.NoError(t, dict.Index(od.EntryCobIdEMCY).Write(0, uint64(0x80)+uint64(nodeID), true))
	bus.reset()

	return &pdoFixture{bus: bus, bm: bm, dict: dict, nmt: n, sync: syncSvc, emcy: emcySvc, sched: sched}
}

// start drives NMT into Operational, the activation precondition every
// TPDO/RPDO needs (spec.md §4.5/§4.6).
func (f *pdoFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.nmt.SendCommand(nmt.CommandStart, f.nmt.NodeID()))
	f.bus.reset()
}

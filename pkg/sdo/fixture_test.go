package sdo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/nmt"
	"github.com/go-canopen/responder/pkg/od"
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

// sdoFixture wires a dictionary, an NMT instance already driven to
// Operational, and a primary-channel Server around a recording bus,
// the shared scaffolding download_test.go/upload_test.go/
// server_test.go build on.
type sdoFixture struct {
	bus    *recordingBus
	bm     *canopen.BusManager
	dict   *od.ObjectDictionary
	nmt    *nmt.NMT
	server *Server
	nodeID uint8
}

func newSdoFixture(t *testing.T, nodeID uint8, handlers HandlerFactory) *sdoFixture {
	t.Helper()
	bus := &recordingBus{}
	bm := canopen.NewBusManager(bus, &sync.Mutex{})

	dict := od.New()
	n, err := nmt.New(bm, nodeID)
	require.NoError(t, err)
	n.Start()
	require.NoError(t, n.SendCommand(nmt.CommandStart, nodeID))
	bus.reset()

	commEntry := dict.AddSDOServer(0, nodeID)
	server, err := New(bm, dict, n, handlers, commEntry)
	require.NoError(t, err)

	return &sdoFixture{bus: bus, bm: bm, dict: dict, nmt: n, server: server, nodeID: nodeID}
}

// send delivers a client request frame to the server's receive COB-ID
// (0x600+nodeID for the primary channel).
func (f *sdoFixture) send(t *testing.T, data [8]byte) {
	t.Helper()
	frame := canopen.NewFrame(0x600+uint32(f.nodeID), 8)
	frame.Data = data
	f.bm.Handle(frame)
}

// lastFrame returns the most recently sent response frame's data, or
// fails the test if nothing was sent.
func (f *sdoFixture) lastFrame(t *testing.T) [8]byte {
	t.Helper()
	frames := f.bus.frames()
	require.NotEmpty(t, frames, "expected a response frame")
	return frames[len(frames)-1].Data
}

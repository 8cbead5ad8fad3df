package loopback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	canopen "github.com/go-canopen/responder"
)

type recordingHandler struct {
	received chan canopen.Frame
}

func (h *recordingHandler) Handle(frame canopen.Frame) {
	h.received <- frame
}

func TestEndpointsExchangeFramesNotSelf(t *testing.T) {
	network := NewNetwork()
	defer network.Close()

	a := &recordingHandler{received: make(chan canopen.Frame, 4)}
	b := &recordingHandler{received: make(chan canopen.Frame, 4)}
	epA := network.Open(a)
	epB := network.Open(b)

	require.NoError(t, epA.Send(canopen.NewFrame(0x181, 2)))

	select {
	case frame := <-b.received:
		assert.EqualValues(t, 0x181, frame.ID)
	case <-time.After(time.Second):
		t.Fatal("endpoint b never received the frame")
	}

	select {
	case <-a.received:
		t.Fatal("sender should not receive its own frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAfterCloseErrors(t *testing.T) {
	network := NewNetwork()
	a := &recordingHandler{received: make(chan canopen.Frame, 1)}
	ep := network.Open(a)
	require.NoError(t, ep.Close())

	err := ep.Send(canopen.NewFrame(0x181, 0))
	assert.Error(t, err)
}

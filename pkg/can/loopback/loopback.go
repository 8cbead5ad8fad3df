// Package loopback wraps github.com/notnil/canbus's in-memory
// LoopbackBus to provide a canopen.Bus for tests and simulations,
// grounded on the pkg/can/socketcan adapter's wrap-and-convert shape:
// canbus.LoopbackBus/its endpoints are pull-based (Receive), so each
// Endpoint spawns its own goroutine around Receive to push frames into
// a canopen.FrameHandler, mirroring the socketcan adapter's push
// goroutine around brutella/can's ConnectAndPublish.
package loopback

import (
	canbus "github.com/notnil/canbus"

	canopen "github.com/go-canopen/responder"
)

// Network is a shared in-memory bus that any number of Endpoints can
// attach to.
type Network struct {
	bus *canbus.LoopbackBus
}

// NewNetwork creates an empty in-memory CAN network.
func NewNetwork() *Network {
	return &Network{bus: canbus.NewLoopbackBus()}
}

// Open attaches a new endpoint to the network. Frames sent by other
// endpoints are pushed to handler as they arrive.
func (n *Network) Open(handler canopen.FrameHandler) *Endpoint {
	ep := &Endpoint{raw: n.bus.Open(), handler: handler}
	go ep.run()
	return ep
}

// Close shuts down the network and detaches every endpoint.
func (n *Network) Close() error {
	return n.bus.Close()
}

// Endpoint is one node's attachment point to a Network, implementing
// canopen.Bus.
type Endpoint struct {
	raw     canbus.Bus
	handler canopen.FrameHandler
}

// Send broadcasts frame to every other endpoint on the network.
func (e *Endpoint) Send(frame canopen.Frame) error {
	return e.raw.Send(canbus.Frame{ID: frame.ID, Len: frame.Length, Data: frame.Data})
}

// Close detaches the endpoint from its network.
func (e *Endpoint) Close() error {
	return e.raw.Close()
}

// run delivers frames received from the underlying canbus endpoint to
// handler until the endpoint is closed.
func (e *Endpoint) run() {
	for {
		frame, err := e.raw.Receive()
		if err != nil {
			return
		}
		e.handler.Handle(canopen.Frame{ID: frame.ID, Length: frame.Len, Data: frame.Data})
	}
}

// Package socketcan wraps github.com/brutella/can to provide a
// canopen.Bus backed by a real Linux SocketCAN interface, grounded on
// the teacher's pkg/can/socketcan/socketcan.go wrapper of the same
// library.
package socketcan

import (
	sockcan "github.com/brutella/can"

	canopen "github.com/go-canopen/responder"
)

// Bus adapts a brutella/can Bus to canopen.Bus.
type Bus struct {
	bus     *sockcan.Bus
	handler canopen.FrameHandler
}

// Open opens the named Linux network interface (e.g. "can0") as a
// CANopen transport and starts delivering received frames to handler.
func Open(name string, handler canopen.FrameHandler) (*Bus, error) {
	raw, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	adapter := &Bus{bus: raw, handler: handler}
	raw.Subscribe(adapter)
	go raw.ConnectAndPublish()
	return adapter, nil
}

// Send publishes frame onto the SocketCAN interface.
func (b *Bus) Send(frame canopen.Frame) error {
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.Length,
		Data:   frame.Data,
	})
}

// Close disconnects from the interface.
func (b *Bus) Close() error {
	return b.bus.Disconnect()
}

// Handle implements brutella/can's Handler interface, converting each
// received frame to canopen.Frame before forwarding it.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.handler.Handle(canopen.Frame{ID: frame.ID, Length: frame.Length, Data: frame.Data})
}

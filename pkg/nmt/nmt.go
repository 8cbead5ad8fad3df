// Package nmt implements the responder half of the NMT state machine
// (spec.md §4.3): Initialisation, Pre-Operational, Operational,
// Stopped. Grounded on the teacher's pkg/nmt/nmt.go for the
// Handle/processCommand/callback-fabric shape, trimmed of its folded
// heartbeat-production duties (extracted into pkg/heartbeat, per the
// component table's separate budget line) and of its stray
// fmt.Println debug calls, replaced with structured logrus logging.
package nmt

import (
	"sync"

	log "github.com/sirupsen/logrus"

	canopen "github.com/go-canopen/responder"
)

// State is one of the four NMT operating states.
type State uint8

const (
	StateInitialisation State = iota
	StatePreOperational
	StateOperational
	StateStopped
)

var stateNames = map[State]string{
	StateInitialisation: "INITIALISATION",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
}

// wireCode maps each State to the byte CiA 301 puts on the wire in a
// heartbeat/boot-up frame, grounded on the teacher's pkg/nmt/nmt.go
// StateInitializing/StatePreOperational/StateOperational/StateStopped
// constants (0, 127, 5, 4) — this module numbers State by iota for
// readability, so the CAN-visible encoding is kept as a lookup here
// instead of on the constants themselves.
var wireCode = map[State]uint8{
	StateInitialisation: 0x00,
	StatePreOperational: 0x7F,
	StateOperational:    0x05,
	StateStopped:        0x04,
}

// WireCode returns the CiA 301 heartbeat-payload byte for s.
func (s State) WireCode() uint8 {
	return wireCode[s]
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Command is an NMT command specifier, byte[0] of an NMT frame.
type Command uint8

const (
	CommandStart            Command = 0x01
	CommandStop             Command = 0x02
	CommandEnterPreOp       Command = 0x80
	CommandResetNode        Command = 0x81
	CommandResetComm        Command = 0x82
)

// StateCallback is notified on every committed state transition.
type StateCallback func(state State)

// NMT tracks the responder's own operating state and reacts to
// incoming NMT command frames addressed to it or broadcast.
type NMT struct {
	bm     *canopen.BusManager
	logger *log.Entry

	mu             sync.Mutex
	nodeID         uint8
	pendingNodeID  uint8
	state          State
	order          []uint64
	callbacks      map[uint64]StateCallback
	nextCallbackID uint64
	rxCancel       func()
	nmtTxFrame     canopen.Frame
	bootupTxFrame  canopen.Frame
}

// New creates an NMT service subscribed to CAN-ID 0x000 and latches
// nodeID as the node's initial (and current pending) identity.
func New(bm *canopen.BusManager, nodeID uint8) (*NMT, error) {
	if bm == nil {
		return nil, canopen.ErrIllegalArgument
	}
	nmt := &NMT{
		bm:             bm,
		logger:         log.WithField("component", "nmt"),
		nodeID:         nodeID,
		pendingNodeID:  nodeID,
		state:          StateInitialisation,
		callbacks:      make(map[uint64]StateCallback),
		nextCallbackID: 1,
		nmtTxFrame:     canopen.NewFrame(0x000, 2),
	}

	cancel, err := bm.Subscribe(0x000, 0x7FF, false, nmt)
	if err != nil {
		return nil, err
	}
	nmt.rxCancel = cancel

	return nmt, nil
}

// Handle processes an inbound NMT command frame (spec.md §4.3: frame
// is `(command, target_node_id)`, target 0 means broadcast).
func (nmt *NMT) Handle(frame canopen.Frame) {
	if frame.Length != 2 {
		return
	}
	command := Command(frame.Data[0])
	target := frame.Data[1]

	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	if target == 0 || target == nmt.nodeID {
		nmt.processCommand(command)
	}
}

func (nmt *NMT) processCommand(command Command) {
	switch command {
	case CommandStart:
		nmt.transition(StateOperational)
	case CommandStop:
		nmt.transition(StateStopped)
	case CommandEnterPreOp:
		nmt.transition(StatePreOperational)
	case CommandResetNode, CommandResetComm:
		nmt.resetLocked()
	default:
		nmt.logger.WithField("command", command).Debug("unrecognized NMT command")
	}
}

// resetLocked implements "Reset Node"/"Reset Comm" → Initialisation →
// Pre-Operational, including the node-id latch and boot-up frame
// (spec.md §4.3).
func (nmt *NMT) resetLocked() {
	nmt.state = StateInitialisation
	nmt.nodeID = nmt.pendingNodeID
	nmt.bootupTxFrame = canopen.NewFrame(0x700+uint32(nmt.nodeID), 1)
	nmt.notifyLocked(StateInitialisation)

	if err := nmt.bm.Send(nmt.bootupTxFrame); err != nil {
		nmt.logger.WithError(err).Warn("failed to send boot-up frame")
	}
	nmt.transition(StatePreOperational)
}

// transition commits a new state and invokes every registered
// callback in registration order. State callbacks return no error, so
// every callback always runs.
func (nmt *NMT) transition(newState State) {
	if newState == nmt.state {
		return
	}
	nmt.logger.WithFields(log.Fields{"from": nmt.state, "to": newState}).Info("nmt state changed")
	nmt.state = newState
	nmt.notifyLocked(newState)
}

func (nmt *NMT) notifyLocked(state State) {
	for _, id := range nmt.order {
		if callback, ok := nmt.callbacks[id]; ok {
			callback(state)
		}
	}
}

// State returns the current operating state.
func (nmt *NMT) State() State {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	return nmt.state
}

// NodeID returns the node's currently latched node-id.
func (nmt *NMT) NodeID() uint8 {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	return nmt.nodeID
}

// PendingNodeID returns the node-id that will be latched on the next
// reset.
func (nmt *NMT) PendingNodeID() uint8 {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	return nmt.pendingNodeID
}

// SetPendingNodeID stages a node-id to be latched on the next reset,
// the hand-off point LSS uses after a successful node-id assignment
// (spec.md §4.3: "node-id is latched from a pending_node_id field
// (set by LSS)").
func (nmt *NMT) SetPendingNodeID(nodeID uint8) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.pendingNodeID = nodeID
}

// Start runs the Initialisation → Pre-Operational boot sequence,
// called once when the node first comes up.
func (nmt *NMT) Start() {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.resetLocked()
}

// SendCommand broadcasts or targets an NMT command on the network,
// applying it locally first if this node is addressed.
func (nmt *NMT) SendCommand(command Command, targetNodeID uint8) error {
	nmt.mu.Lock()
	if targetNodeID == 0 || targetNodeID == nmt.nodeID {
		nmt.processCommand(command)
	}
	nmt.mu.Unlock()

	nmt.nmtTxFrame.Data[0] = uint8(command)
	nmt.nmtTxFrame.Data[1] = targetNodeID
	return nmt.bm.Send(nmt.nmtTxFrame)
}

// OnStateChange registers callback and returns a function that
// unregisters it.
func (nmt *NMT) OnStateChange(callback StateCallback) (cancel func()) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	id := nmt.nextCallbackID
	nmt.nextCallbackID++
	nmt.callbacks[id] = callback
	nmt.order = append(nmt.order, id)
	return func() {
		nmt.mu.Lock()
		defer nmt.mu.Unlock()
		delete(nmt.callbacks, id)
		for i, existing := range nmt.order {
			if existing == id {
				nmt.order = append(nmt.order[:i], nmt.order[i+1:]...)
				break
			}
		}
	}
}

// Close unsubscribes from the network.
func (nmt *NMT) Close() {
	if nmt.rxCancel != nil {
		nmt.rxCancel()
	}
}

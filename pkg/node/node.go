// Package node is the composition root of a responder: it wires a
// populated Object Dictionary to every service package (NMT, LSS,
// EMCY, heartbeat producer, SDO servers, SYNC, TPDOs, RPDOs) around a
// shared BusManager, grounded on the teacher's
// pkg/network/network.go/CreateLocalNode and pkg/node/local.go
// (NewLocalNode/initAll) for the construction-order idiom: NMT first
// (LSS hands node-ids to it and the other services gate on its
// state), then LSS, EMCY, the heartbeat producer, SYNC and the SDO
// servers, followed by the PDOs that depend on SYNC and EMCY. Trimmed of the teacher's
// master/client-only orchestration (SDOClient, RemoteNode, Network
// Scan/Configurator) since a responder never initiates transfers.
package node

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	canopen "github.com/go-canopen/responder"
	"github.com/go-canopen/responder/pkg/emergency"
	"github.com/go-canopen/responder/pkg/heartbeat"
	"github.com/go-canopen/responder/pkg/lss"
	"github.com/go-canopen/responder/pkg/nmt"
	"github.com/go-canopen/responder/pkg/od"
	"github.com/go-canopen/responder/pkg/pdo"
	"github.com/go-canopen/responder/pkg/scheduler"
	"github.com/go-canopen/responder/pkg/sdo"
	syncsvc "github.com/go-canopen/responder/pkg/sync"
)

// Config is the programmatic description of a node, used to build a
// default dictionary when the caller doesn't supply one already
// assembled from an EDS file (pkg/od.ParseEDS), matching spec.md's
// ambient-stack note that "node construction takes a node.Config
// struct ... assembled either programmatically or parsed from an EDS
// file".
type Config struct {
	NodeID uint8

	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32

	HeartbeatProducerTimeMs uint16
	EMCYInhibitTime100us    uint16

	RPDOCount uint16
	TPDOCount uint16

	BaudrateChangeFunc lss.BaudrateChangeFunc
	StoreConfigFunc    lss.StoreConfigFunc
}

// Node bundles every responder service wired around one dictionary and
// bus manager.
type Node struct {
	BusManager *canopen.BusManager
	Dict       *od.ObjectDictionary
	Scheduler  scheduler.Scheduler

	NMT       *nmt.NMT
	LSS       *lss.LSS
	EMCY      *emergency.EMCY
	Heartbeat *heartbeat.Producer
	SYNC      *syncsvc.SYNC
	SDOServers []*sdo.Server
	RPDOs      []*pdo.RPDO
	TPDOs      []*pdo.TPDO

	logger *log.Entry
}

// New wires a responder node. If dict is nil, a default dictionary is
// built from config (identity, error register/EMCY COB-ID, heartbeat
// period, primary SDO server channel, SYNC, and config.RPDOCount/
// TPDOCount empty PDO slots); otherwise dict is used as-is (e.g. one
// built by od.ParseEDS) and must already carry the mandatory objects
// (0x1000-class identity, error register, heartbeat period) the
// services below require. handlers is passed through to every SDO
// server channel for streaming large domain transfers (spec.md
// §4.4.1/§4.4.2); it may be nil.
func New(bus canopen.Bus, sched scheduler.Scheduler, dict *od.ObjectDictionary, config Config, handlers sdo.HandlerFactory) (*Node, error) {
	if bus == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if config.NodeID < lss.NodeIDMin || config.NodeID > lss.NodeIDMax {
		return nil, canopen.ErrIllegalArgument
	}
	if sched == nil {
		sched = scheduler.NewAsync()
	}
	if dict == nil {
		dict = buildDefaultDictionary(config)
	}

	bm := canopen.NewBusManager(bus, sched.Lock())
	nd := &Node{
		BusManager: bm,
		Dict:       dict,
		Scheduler:  sched,
		logger:     log.WithField("component", "node"),
	}

	n, err := nmt.New(bm, config.NodeID)
	if err != nil {
		return nil, fmt.Errorf("node: init nmt: %w", err)
	}
	nd.NMT = n

	identityEntry := dict.Index(od.EntryIdentityObject)
	if identityEntry == nil {
		return nil, canopen.ErrOdParameters
	}
	l, err := lss.New(bm, sched, n, identityEntry)
	if err != nil {
		return nil, fmt.Errorf("node: init lss: %w", err)
	}
	if config.BaudrateChangeFunc != nil {
		l.SetBaudrateChangeCallback(config.BaudrateChangeFunc)
	}
	if config.StoreConfigFunc != nil {
		l.SetStoreConfigCallback(config.StoreConfigFunc)
	}
	nd.LSS = l

	entry1001 := dict.Index(od.EntryErrorRegister)
	entry1014 := dict.Index(od.EntryCobIdEMCY)
	entry1015 := dict.Index(od.EntryInhibitTimeEMCY)
	emcy, err := emergency.New(bm, sched, entry1001, entry1014, entry1015, config.NodeID)
	if err != nil {
		return nil, fmt.Errorf("node: init emcy: %w", err)
	}
	nd.EMCY = emcy

	entry1017 := dict.Index(od.EntryProducerHeartbeatTime)
	hb, err := heartbeat.New(bm, sched, entry1017, config.NodeID, func() uint8 { return n.State().WireCode() })
	if err != nil {
		return nil, fmt.Errorf("node: init heartbeat: %w", err)
	}
	nd.Heartbeat = hb

	if entry1005 := dict.Index(od.EntryCobIdSYNC); entry1005 != nil {
		sy, err := syncsvc.New(bm, entry1005)
		if err != nil {
			return nil, fmt.Errorf("node: init sync: %w", err)
		}
		nd.SYNC = sy
	}

	for serverNb := uint16(0); ; serverNb++ {
		commEntry := dict.Index(od.EntrySDOServerStart + serverNb)
		if commEntry == nil {
			break
		}
		server, err := sdo.New(bm, dict, n, handlers, commEntry)
		if err != nil {
			return nil, fmt.Errorf("node: init sdo server %d: %w", serverNb, err)
		}
		nd.SDOServers = append(nd.SDOServers, server)
	}

	for i := uint16(0); ; i++ {
		commEntry := dict.Index(od.EntryRPDOCommunicationStart + i)
		mapEntry := dict.Index(od.EntryRPDOMappingStart + i)
		if commEntry == nil || mapEntry == nil {
			break
		}
		r, err := pdo.NewRPDO(bm, dict, n, nd.SYNC, nd.EMCY, commEntry, mapEntry)
		if err != nil {
			nd.logger.WithError(err).WithField("rpdo", i).Warn("skipping malformed RPDO entry")
			break
		}
		nd.RPDOs = append(nd.RPDOs, r)
	}

	for i := uint16(0); ; i++ {
		commEntry := dict.Index(od.EntryTPDOCommunicationStart + i)
		mapEntry := dict.Index(od.EntryTPDOMappingStart + i)
		if commEntry == nil || mapEntry == nil {
			break
		}
		tp, err := pdo.NewTPDO(bm, sched, dict, n, nd.SYNC, nd.EMCY, commEntry, mapEntry)
		if err != nil {
			nd.logger.WithError(err).WithField("tpdo", i).Warn("skipping malformed TPDO entry")
			break
		}
		nd.TPDOs = append(nd.TPDOs, tp)
	}

	n.Start()
	return nd, nil
}

// buildDefaultDictionary assembles a minimal but complete CiA 301
// object dictionary from config, mirroring the object set the
// teacher's EDS files carry for a bare-bones node: identity, error
// register, EMCY COB-ID/inhibit time, heartbeat producer time, one
// primary SDO server channel, SYNC, and config.RPDOCount/TPDOCount
// empty PDO slots ready for a master to map.
func buildDefaultDictionary(config Config) *od.ObjectDictionary {
	dict := od.New()
	dict.AddIdentity(config.VendorID, config.ProductCode, config.RevisionNumber, config.SerialNumber)
	dict.AddVariable(od.EntryErrorRegister, "Error register", od.UNSIGNED8, od.AccessRO, uint64(0))
	dict.AddVariable(od.EntryCobIdEMCY, "COB-ID EMCY", od.UNSIGNED32, od.AccessRW, uint64(0x80+config.NodeID))
	dict.AddVariable(od.EntryInhibitTimeEMCY, "Inhibit time EMCY", od.UNSIGNED16, od.AccessRW, uint64(config.EMCYInhibitTime100us))
	dict.AddVariable(od.EntryProducerHeartbeatTime, "Producer heartbeat time", od.UNSIGNED16, od.AccessRW, uint64(config.HeartbeatProducerTimeMs))
	dict.AddSDOServer(0, config.NodeID)
	dict.AddSYNC()

	for i := uint16(1); i <= config.RPDOCount; i++ {
		dict.AddRPDO(i)
	}
	for i := uint16(1); i <= config.TPDOCount; i++ {
		dict.AddTPDO(i)
	}
	return dict
}

// Close tears down every subscription this node holds, in roughly
// reverse construction order.
func (nd *Node) Close() {
	for _, tp := range nd.TPDOs {
		tp.Close()
	}
	for _, r := range nd.RPDOs {
		r.Close()
	}
	for _, s := range nd.SDOServers {
		s.Close()
	}
	if nd.SYNC != nil {
		nd.SYNC.Close()
	}
	if nd.Heartbeat != nil {
		nd.Heartbeat.Stop()
	}
	if nd.LSS != nil {
		nd.LSS.Close()
	}
	if nd.NMT != nil {
		nd.NMT.Close()
	}
}

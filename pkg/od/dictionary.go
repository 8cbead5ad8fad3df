package od

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ObjectDictionary is the sparse, 16-bit indexed, 8-bit sub-indexed
// typed store of spec.md §3/§4.1.
type ObjectDictionary struct {
	logger  *log.Entry
	entries map[uint16]*Entry
	byName  map[string]*Entry
}

// New creates an empty ObjectDictionary.
func New() *ObjectDictionary {
	return &ObjectDictionary{
		logger:  log.WithField("component", "od"),
		entries: make(map[uint16]*Entry),
		byName:  make(map[string]*Entry),
	}
}

// Insert registers entry, implementing spec.md §4.1's "insert". Any
// existing entry at the same index is replaced; insert must precede
// any access to (index, *) per spec.md's lifecycle note.
func (od *ObjectDictionary) Insert(entry *Entry) {
	if _, exists := od.entries[entry.Index]; exists {
		od.logger.WithField("index", fmt.Sprintf("x%x", entry.Index)).Warn("overwriting existing entry")
	}
	od.entries[entry.Index] = entry
	if entry.Name != "" {
		od.byName[entry.Name] = entry
	}
}

// Index returns the Entry registered at index, or nil.
func (od *ObjectDictionary) Index(index uint16) *Entry {
	return od.entries[index]
}

// ByName returns the Entry registered under name, or nil.
func (od *ObjectDictionary) ByName(name string) *Entry {
	return od.byName[name]
}

// Entries returns the full index -> Entry map.
func (od *ObjectDictionary) Entries() map[uint16]*Entry {
	return od.entries
}

// Lookup implements spec.md §4.1's "lookup": NoObject if index is
// absent, NoSubIndex if the sub-index does not exist on a
// Record/Array, and resolves a Variable entry's sub-index to 0.
func (od *ObjectDictionary) Lookup(index uint16, subindex uint8) (*Variable, error) {
	entry, ok := od.entries[index]
	if !ok {
		return nil, ErrIdxNotExist
	}
	return entry.Lookup(subindex)
}

// Read reads (index, subindex) via the owning Entry.
func (od *ObjectDictionary) Read(index uint16, subindex uint8) (any, error) {
	entry, ok := od.entries[index]
	if !ok {
		return nil, ErrIdxNotExist
	}
	return entry.Read(subindex)
}

// Write writes (index, subindex) via the owning Entry.
func (od *ObjectDictionary) Write(index uint16, subindex uint8, value any, downloaded bool) error {
	entry, ok := od.entries[index]
	if !ok {
		return ErrIdxNotExist
	}
	return entry.Write(subindex, value, downloaded)
}

// --- Construction helpers, grounded on the teacher's
// pkg/od/interface.go AddVariableType/AddRPDO/AddTPDO/AddSYNC family.

// AddVariable registers a single-Variable entry and returns it.
func (od *ObjectDictionary) AddVariable(index uint16, name string, dt Datatype, access Access, def any) (*Entry, error) {
	v, err := NewVariable(name, dt, access, def, 1, nil, nil)
	if err != nil {
		return nil, err
	}
	entry := NewVariableEntry(index, v)
	od.Insert(entry)
	return entry, nil
}

// AddRecord registers a Record entry and returns it.
func (od *ObjectDictionary) AddRecord(index uint16, name string, record *Record) *Entry {
	entry := NewRecordEntry(index, name, record)
	od.Insert(entry)
	return entry
}

// AddArray registers an Array entry and returns it.
func (od *ObjectDictionary) AddArray(index uint16, name string, array *Array) *Entry {
	entry := NewArrayEntry(index, name, array)
	od.Insert(entry)
	return entry
}

// AddSYNC adds 0x1005/0x1006/0x1007/0x1019, matching the teacher's
// pkg/od/interface.go AddSYNC: disabled producer, standard COB-ID.
func (od *ObjectDictionary) AddSYNC() {
	od.AddVariable(EntryCobIdSYNC, "COB-ID SYNC message", UNSIGNED32, AccessRW, uint64(0x80000080))
	od.AddVariable(EntryCommunicationCyclePeriod, "Communication cycle period", UNSIGNED32, AccessRW, uint64(0))
	od.AddVariable(EntrySynchronousWindowLength, "Synchronous window length", UNSIGNED32, AccessRW, uint64(0))
	od.AddVariable(EntrySynchronousCounterOverflow, "Synchronous counter overflow value", UNSIGNED8, AccessRW, uint64(0))
}

// addPDO builds the communication and mapping parameter record pair
// for a TPDO/RPDO number, matching the teacher's addPDO.
func (od *ObjectDictionary) addPDO(pdoNb uint16, isRPDO bool) {
	offset := pdoNb - 1
	commIndex := EntryTPDOCommunicationStart + offset
	mapIndex := EntryTPDOMappingStart + offset
	kind := "TPDO"
	if isRPDO {
		commIndex = EntryRPDOCommunicationStart + offset
		mapIndex = EntryRPDOMappingStart + offset
		kind = "RPDO"
	}

	comm := NewRecord(fmt.Sprintf("%s communication parameter", kind))
	cobId, _ := NewVariable(fmt.Sprintf("COB-ID used by %s", kind), UNSIGNED32, AccessRW, uint64(0x80000000), 1, nil, nil)
	comm.AddSubObject(SubPdoCobId, cobId)
	txType, _ := NewVariable("Transmission type", UNSIGNED8, AccessRW, uint64(0), 1, nil, nil)
	comm.AddSubObject(SubPdoTransmissionType, txType)
	inhibit, _ := NewVariable("Inhibit time", UNSIGNED16, AccessRW, uint64(0), 1, nil, nil)
	comm.AddSubObject(SubPdoInhibitTime, inhibit)
	event, _ := NewVariable("Event timer", UNSIGNED16, AccessRW, uint64(0), 1, nil, nil)
	comm.AddSubObject(SubPdoEventTimer, event)
	syncStart, _ := NewVariable("SYNC start value", UNSIGNED8, AccessRW, uint64(0), 1, nil, nil)
	comm.AddSubObject(SubPdoSyncStart, syncStart)
	od.AddRecord(commIndex, comm.Name, comm)

	mapRecord := NewRecord(fmt.Sprintf("%s mapping parameter", kind))
	nbMapped, _ := NewVariable("Number of mapped objects", UNSIGNED8, AccessRW, uint64(0), 1, nil, nil)
	mapRecord.AddSubObject(0, nbMapped)
	for i := uint8(1); i <= MaxMappedEntriesPdo; i++ {
		m, _ := NewVariable(fmt.Sprintf("Application object %d", i), UNSIGNED32, AccessRW, uint64(0), 1, nil, nil)
		mapRecord.AddSubObject(i, m)
	}
	od.AddRecord(mapIndex, mapRecord.Name, mapRecord)
}

// AddTPDO adds the communication/mapping parameter pair for TPDO
// number tpdoNb (1-based).
func (od *ObjectDictionary) AddTPDO(tpdoNb uint16) {
	od.addPDO(tpdoNb, false)
}

// AddRPDO adds the communication/mapping parameter pair for RPDO
// number rpdoNb (1-based).
func (od *ObjectDictionary) AddRPDO(rpdoNb uint16) {
	od.addPDO(rpdoNb, true)
}

// AddSDOServer adds an SDO server parameter record at 0x1200 (the
// mandatory primary channel, serverNb 0) or 0x1200+serverNb (spec.md
// §4.4: "additional servers are configurable via dictionary entries
// 0x1200+N"). The primary channel's COB-IDs are fixed by CiA 301 to
// 0x600+node_id/0x580+node_id and exposed read-only; additional
// channels carry independently writable COB-IDs (bit 31 disables the
// channel) defaulting to disabled, plus an optional client node-id at
// sub-index 3.
func (od *ObjectDictionary) AddSDOServer(serverNb uint16, nodeID uint8) *Entry {
	index := EntrySDOServerStart + serverNb
	record := NewRecord("SDO server parameter")

	access := AccessRW
	rxDefault := uint64(0x80000000)
	txDefault := uint64(0x80000000)
	if serverNb == 0 {
		access = AccessConst
		rxDefault = 0x600 + uint64(nodeID)
		txDefault = 0x580 + uint64(nodeID)
	}

	rx, _ := NewVariable("COB-ID client to server", UNSIGNED32, access, rxDefault, 1, nil, nil)
	record.AddSubObject(1, rx)
	tx, _ := NewVariable("COB-ID server to client", UNSIGNED32, access, txDefault, 1, nil, nil)
	record.AddSubObject(2, tx)
	if serverNb != 0 {
		clientID, _ := NewVariable("Node-ID of the SDO client", UNSIGNED8, AccessRW, uint64(0), 1, nil, nil)
		record.AddSubObject(3, clientID)
	}

	return od.AddRecord(index, record.Name, record)
}

// AddIdentity adds the mandatory identity object at 0x1018
// (vendor/product/revision/serial, sub-indices 1..4), the record LSS
// reads to answer inquire/identify requests.
func (od *ObjectDictionary) AddIdentity(vendorID, productCode, revisionNumber, serialNumber uint32) *Entry {
	record := NewRecord("Identity object")
	vendor, _ := NewVariable("Vendor-ID", UNSIGNED32, AccessRO, uint64(vendorID), 1, nil, nil)
	record.AddSubObject(1, vendor)
	product, _ := NewVariable("Product code", UNSIGNED32, AccessRO, uint64(productCode), 1, nil, nil)
	record.AddSubObject(2, product)
	revision, _ := NewVariable("Revision number", UNSIGNED32, AccessRO, uint64(revisionNumber), 1, nil, nil)
	record.AddSubObject(3, revision)
	serial, _ := NewVariable("Serial number", UNSIGNED32, AccessRO, uint64(serialNumber), 1, nil, nil)
	record.AddSubObject(4, serial)
	return od.AddRecord(EntryIdentityObject, record.Name, record)
}

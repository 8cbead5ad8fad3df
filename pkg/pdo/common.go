// Package pdo implements the responder's Process Data Object services
// (spec.md §4.5/§4.6): TPDO production and RPDO consumption, both
// built on a shared mapping engine that decodes the 8-slot mapping
// parameter records pkg/od's dictionary helpers construct at
// 0x1600-0x17FF/0x1A00-0x1BFF. Grounded on the teacher's
// pkg/pdo/common.go for the mapping-decode shape (index/sub/bit-length
// triplets packed into a 32-bit mapping parameter, dummy mappings
// excluded since this responder never maps padding), adapted to use
// this module's simpler od.Entry.Read/Write and od.Pack/Unpack instead
// of the teacher's od.Streamer abstraction.
package pdo

import (
	"fmt"

	"github.com/go-canopen/responder/pkg/od"
)

// maxPdoBytes is the CAN 2.0A payload ceiling a mapped PDO's packed
// data must fit within (spec.md §4.5: "aggregate payload ≤8 bytes").
const maxPdoBytes = 8

// mappedSlot is one decoded entry of a mapping parameter record: the
// dictionary location it addresses and its packed width in bytes.
type mappedSlot struct {
	entry  *od.Entry
	sub    uint8
	length int
}

// mapping is the full decoded mapping list for one PDO.
type mapping struct {
	slots      []mappedSlot
	dataLength int
}

// buildMapping decodes mapEntry (a 0x16xx/0x1Axx mapping parameter
// record) against dict, mirroring the teacher's configureMap/NewPDO:
// sub-index 0 is the number of mapped objects actually in effect,
// which may be fewer than the 8 Application-object slots the record
// always carries.
func buildMapping(dict *od.ObjectDictionary, mapEntry *od.Entry) (mapping, error) {
	count, err := mapEntry.Uint8(0)
	if err != nil {
		return mapping{}, fmt.Errorf("pdo: reading mapped object count: %w", err)
	}
	if count > od.MaxMappedEntriesPdo {
		return mapping{}, fmt.Errorf("pdo: %d mapped objects exceeds the %d slot limit", count, od.MaxMappedEntriesPdo)
	}

	m := mapping{slots: make([]mappedSlot, 0, count)}
	for i := uint8(1); i <= count; i++ {
		param, err := mapEntry.Uint32(i)
		if err != nil {
			return mapping{}, fmt.Errorf("pdo: reading mapped object %d: %w", i, err)
		}

		index := uint16(param >> 16)
		sub := uint8(param >> 8)
		bits := uint8(param)
		if bits == 0 || bits%8 != 0 {
			return mapping{}, fmt.Errorf("pdo: mapped object %d has a non-byte-aligned length of %d bits", i, bits)
		}
		length := int(bits / 8)

		entry := dict.Index(index)
		if entry == nil {
			return mapping{}, fmt.Errorf("pdo: mapped object %d references unknown index %#x", i, index)
		}
		variable, err := entry.Lookup(sub)
		if err != nil {
			return mapping{}, fmt.Errorf("pdo: mapped object %d (%#x sub%d): %w", i, index, sub, err)
		}
		if size, ok := variable.Datatype.Size(); ok && size != length {
			return mapping{}, fmt.Errorf("pdo: mapped object %d (%#x sub%d) is %d bytes wide, mapping declares %d", i, index, sub, size, length)
		}

		m.slots = append(m.slots, mappedSlot{entry: entry, sub: sub, length: length})
		m.dataLength += length
	}
	if m.dataLength > maxPdoBytes {
		return mapping{}, fmt.Errorf("pdo: mapped payload of %d bytes exceeds the %d byte frame limit", m.dataLength, maxPdoBytes)
	}
	return m, nil
}

// cobIDValid reports whether bit 31 ("disabled"/"invalid", spec.md
// §4.5) is clear in a raw COB-ID register value.
func cobIDValid(raw uint32) bool {
	return raw&0x80000000 == 0
}

// packSlot encodes the slot's current dictionary value into dst,
// which must be exactly slot.length bytes.
func packSlot(slot mappedSlot, dst []byte) error {
	variable, err := slot.entry.Lookup(slot.sub)
	if err != nil {
		return err
	}
	value, err := slot.entry.Read(slot.sub)
	if err != nil {
		return err
	}
	raw, err := od.Pack(value, variable.Datatype, variable.Factor)
	if err != nil {
		return err
	}
	copy(dst, raw)
	return nil
}

// unpackSlot decodes src into the slot's dictionary location,
// mirroring the teacher's rpdo.go copyDataToOd. It returns a per-slot
// failure to its caller, and RPDO.writeAllLocked logs it and carries on
// with the next slot (spec.md §4.6: "silently swallow per-slot write
// exceptions").
func unpackSlot(slot mappedSlot, src []byte) error {
	variable, err := slot.entry.Lookup(slot.sub)
	if err != nil {
		return err
	}
	value, err := od.Unpack(src, variable.Datatype, variable.Factor)
	if err != nil {
		return err
	}
	return slot.entry.Write(slot.sub, value, true)
}

package od

import "fmt"

// ODR is the canonical Object Dictionary access return code, named and
// numbered after the teacher's pkg/od/constants.go ODR enumeration so
// that sdo's convertODRToAbort reads the same table CiA 301 implementers
// expect.
type ODR int8

const (
	ErrNo           ODR = 0
	ErrOutOfMem     ODR = 1
	ErrUnsuppAccess ODR = 2
	ErrWriteOnly    ODR = 3
	ErrReadonly     ODR = 4
	ErrIdxNotExist  ODR = 5
	ErrTypeMismatch ODR = 11
	ErrDataLong     ODR = 12
	ErrDataShort    ODR = 13
	ErrSubNotExist  ODR = 14
	ErrInvalidValue ODR = 15
	ErrValueHigh    ODR = 16
	ErrValueLow     ODR = 17
	ErrMaxLessMin   ODR = 18
	ErrGeneral      ODR = 20
	ErrDataTransf   ODR = 21
)

var odrDescriptions = map[ODR]string{
	ErrNo:           "no error",
	ErrOutOfMem:     "out of memory",
	ErrUnsuppAccess: "unsupported access to an object",
	ErrWriteOnly:    "attempt to read a write only object",
	ErrReadonly:     "attempt to write a read only object",
	ErrIdxNotExist:  "object does not exist in the object dictionary",
	ErrTypeMismatch: "data type does not match, length does not match",
	ErrDataLong:     "data type does not match, length too high",
	ErrDataShort:    "data type does not match, length too short",
	ErrSubNotExist:  "sub index does not exist",
	ErrInvalidValue: "invalid value for parameter",
	ErrValueHigh:    "value range of parameter written too high",
	ErrValueLow:     "value range of parameter written too low",
	ErrMaxLessMin:   "maximum value is less than minimum value",
	ErrGeneral:      "general error",
	ErrDataTransf:   "data cannot be transferred or stored to application",
}

func (e ODR) Error() string {
	if desc, ok := odrDescriptions[e]; ok {
		return desc
	}
	return fmt.Sprintf("od error %d", int8(e))
}

// Access describes a Variable's read/write policy (spec.md §3).
type Access uint8

const (
	AccessRW Access = iota
	AccessRO
	AccessWO
	AccessConst
)

func (a Access) Writable() bool {
	return a == AccessRW || a == AccessWO
}

func (a Access) Readable() bool {
	return a == AccessRW || a == AccessRO || a == AccessConst
}

// Attribute bitset, kept for PDO mappability flags and EDS AccessType
// rendering, mirroring the teacher's pkg/od/constants.go bit layout.
const (
	AttributeTpdo   uint8 = 0x04
	AttributeRpdo   uint8 = 0x08
	AttributeTsrdo  uint8 = 0x10 // SRDO mapping bit; carried for completeness, unused (no SRDO service, a non-goal)
	AttributeRsrdo  uint8 = 0x20 // SRDO mapping bit; unused, see AttributeTsrdo
	AttributeStr    uint8 = 0x80 // short value written to a string/unicode object is zero-padded
)

// Object dictionary object types, used by the EDS exporter.
const (
	ObjectTypeVAR    uint8 = 0x7
	ObjectTypeARRAY  uint8 = 0x8
	ObjectTypeRECORD uint8 = 0x9
)

// Standard CANopen object indices this module's services depend on.
const (
	EntryDeviceType                 uint16 = 0x1000
	EntryErrorRegister              uint16 = 0x1001
	EntryCobIdSYNC                  uint16 = 0x1005
	EntryCommunicationCyclePeriod   uint16 = 0x1006
	EntrySynchronousWindowLength    uint16 = 0x1007
	EntryCobIdEMCY                  uint16 = 0x1014
	EntryInhibitTimeEMCY            uint16 = 0x1015
	EntryProducerHeartbeatTime      uint16 = 0x1017
	EntryIdentityObject             uint16 = 0x1018
	EntrySynchronousCounterOverflow uint16 = 0x1019
	EntryStoreEDS                   uint16 = 0x1021
	EntrySDOServerStart             uint16 = 0x1200
	EntryRPDOCommunicationStart     uint16 = 0x1400
	EntryRPDOMappingStart           uint16 = 0x1600
	EntryTPDOCommunicationStart     uint16 = 0x1800
	EntryTPDOMappingStart           uint16 = 0x1A00
)

// Communication-parameter sub-indices shared by TPDO and RPDO records.
const (
	SubPdoCobId             uint8 = 1
	SubPdoTransmissionType  uint8 = 2
	SubPdoInhibitTime       uint8 = 3
	SubPdoEventTimer        uint8 = 5
	SubPdoSyncStart         uint8 = 6
)

const MaxMappedEntriesPdo = 8

// Package sdo implements the responder half of the SDO download/upload
// state machines (spec.md §4.4): expedited, segmented, and block
// transfers over a single client/server channel pair, dispatched
// synchronously from the first command-specifier byte of each frame.
//
// Grounded on the teacher's pkg/sdo/{common,server,download_*,
// upload_*}.go for the abort-code taxonomy, state naming, and block
// sub-protocol bit layout, but re-architected per spec.md §5/§9's
// "exceptions as control flow ... re-architect as sum-typed returns":
// the teacher drives SDOServer.Process(ctx) as a background goroutine
// reading off a channel fed by Handle, timing out via time.After; this
// package instead processes each inbound frame synchronously inside
// Handle itself and returns (or sends) its response before Handle
// returns, matching the single-dispatch-context model this module's
// other services (pkg/pdo, pkg/nmt, pkg/lss) already use.
package sdo

import (
	"fmt"

	"github.com/go-canopen/responder/pkg/od"
)

// AbortCode is the 32-bit SDO abort code carried in byte[4:8] of an
// abort frame (spec.md §4.4.3).
type AbortCode uint32

// Abort code taxonomy (spec.md §4.4.3), named after the teacher's
// pkg/sdo/common.go constant table.
const (
	AbortToggleBit    AbortCode = 0x05030000
	AbortTimeout      AbortCode = 0x05040000
	AbortCmd          AbortCode = 0x05040001
	AbortBlockSize    AbortCode = 0x05040002
	AbortSeqNum       AbortCode = 0x05040003
	AbortCRC          AbortCode = 0x05040004
	AbortOutOfMem     AbortCode = 0x05040005
	AbortUnsuppAccess AbortCode = 0x06010000
	AbortWriteOnly    AbortCode = 0x06010001
	AbortReadOnly     AbortCode = 0x06010002
	AbortNotExist     AbortCode = 0x06020000
	AbortParamIncompat AbortCode = 0x06040043
	AbortHardware     AbortCode = 0x06060000
	AbortTypeMismatch AbortCode = 0x06070010
	AbortDataLong     AbortCode = 0x06070012
	AbortDataShort    AbortCode = 0x06070013
	AbortSubUnknown   AbortCode = 0x06090011
	AbortInvalidValue AbortCode = 0x06090030
	AbortValueHigh    AbortCode = 0x06090031
	AbortValueLow     AbortCode = 0x06090032
	AbortMaxLessMin   AbortCode = 0x06090036
	AbortGeneral      AbortCode = 0x08000000
	AbortDataTransfer AbortCode = 0x08000020
)

var abortDescriptions = map[AbortCode]string{
	AbortToggleBit:     "toggle bit not altered",
	AbortTimeout:       "SDO protocol timed out",
	AbortCmd:           "command specifier not valid or unknown",
	AbortBlockSize:     "invalid block size in block mode",
	AbortSeqNum:        "invalid sequence number in block mode",
	AbortCRC:           "CRC error (block mode only)",
	AbortOutOfMem:      "out of memory",
	AbortUnsuppAccess:  "unsupported access to an object",
	AbortWriteOnly:     "attempt to read a write only object",
	AbortReadOnly:      "attempt to write a read only object",
	AbortNotExist:      "object does not exist in the object dictionary",
	AbortParamIncompat: "general parameter incompatibility reasons",
	AbortHardware:      "access failed due to hardware error",
	AbortTypeMismatch:  "data type does not match, length does not match",
	AbortDataLong:      "data type does not match, length too high",
	AbortDataShort:     "data type does not match, length too short",
	AbortSubUnknown:    "sub index does not exist",
	AbortInvalidValue:  "invalid value for parameter",
	AbortValueHigh:     "value range of parameter written too high",
	AbortValueLow:      "value range of parameter written too low",
	AbortMaxLessMin:    "maximum value is less than minimum value",
	AbortGeneral:       "general error",
	AbortDataTransfer:  "data cannot be transferred or stored to application",
}

func (a AbortCode) Error() string {
	if desc, ok := abortDescriptions[a]; ok {
		return fmt.Sprintf("sdo abort 0x%08X: %s", uint32(a), desc)
	}
	return fmt.Sprintf("sdo abort 0x%08X", uint32(a))
}

// convertODRToAbort maps an Object Dictionary access failure onto its
// SDO abort code, grounded on the teacher's OdToAbortMap.
func convertODRToAbort(err error) AbortCode {
	odr, ok := err.(od.ODR)
	if !ok {
		return AbortGeneral
	}
	switch odr {
	case od.ErrOutOfMem:
		return AbortOutOfMem
	case od.ErrUnsuppAccess:
		return AbortUnsuppAccess
	case od.ErrWriteOnly:
		return AbortWriteOnly
	case od.ErrReadonly:
		return AbortReadOnly
	case od.ErrIdxNotExist:
		return AbortNotExist
	case od.ErrTypeMismatch:
		return AbortTypeMismatch
	case od.ErrDataLong:
		return AbortDataLong
	case od.ErrDataShort:
		return AbortDataShort
	case od.ErrSubNotExist:
		return AbortSubUnknown
	case od.ErrInvalidValue:
		return AbortInvalidValue
	case od.ErrValueHigh:
		return AbortValueHigh
	case od.ErrValueLow:
		return AbortValueLow
	case od.ErrMaxLessMin:
		return AbortMaxLessMin
	case od.ErrDataTransf:
		return AbortDataTransfer
	default:
		return AbortGeneral
	}
}

// multiplexor identifies the dictionary object a transfer addresses.
type multiplexor struct {
	index    uint16
	subindex uint8
}

// BlockMaxSize is the largest block size (in 7-byte segments) either
// side of a block transfer may advertise (CiA 301).
const BlockMaxSize = 127

// transferState is shared by the download and upload managers
// (spec.md §4.4.1/§4.4.2: "{NONE, SEGMENT, BLOCK, BLOCK_END}").
type transferState uint8

const (
	stateNone transferState = iota
	stateSegment
	stateBlock
	stateBlockEnd
)

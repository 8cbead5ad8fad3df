package canopen

import "errors"

// Sentinel errors shared by every service package. Kept close to the
// teacher's root-level error set, trimmed to the ones a responder
// (never a master/client) can actually return.
var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrOutOfMemory     = errors.New("memory allocation failed")
	ErrIllegalBaudrate = errors.New("illegal baudrate passed to function")
	ErrOdParameters    = errors.New("error in object dictionary parameters")
	ErrDataCorrupt     = errors.New("stored data are corrupt")
	ErrCRC             = errors.New("crc does not match")
	ErrWrongNMTState   = errors.New("command can't be processed in current state")
	ErrInvalidState    = errors.New("driver not ready")
)

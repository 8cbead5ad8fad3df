package sdo

import (
	"encoding/binary"

	"github.com/go-canopen/responder/internal/crc"
	"github.com/go-canopen/responder/pkg/od"
)

// downloadManager implements spec.md §4.4.1: expedited, segmented and
// block client→server transfers, one at a time.
type downloadManager struct {
	state transferState
	mux   multiplexor

	entry    *od.Entry
	variable *od.Variable
	handler  Handler

	buf           []byte
	sizeIndicated uint32

	toggle bool

	seq         uint8
	tail        [7]byte
	tailLen     int
	blockCRC    crc.CRC16
	crcEnabled  bool
}

// reset clears all per-transfer state back to NONE.
func (d *downloadManager) reset() {
	*d = downloadManager{}
}

// abortInbound implements "Abort inbound (byte[0]=0x80)": if the
// target multiplexor matches the active transfer, notify the handler
// and reset to NONE.
func (d *downloadManager) abortInbound(frame frameView) {
	if d.state == stateNone {
		return
	}
	if frame.index() == d.mux.index && frame.subindex() == d.mux.subindex {
		if d.handler != nil {
			d.handler.OnAbort()
		}
		d.reset()
	}
}

// asFloat64 converts the numeric representations od.Unpack and
// od.Variable.Min/Max can hold to a comparable float64.
func asFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// checkRange reports the abort code for a value outside variable's
// declared bounds, or 0 if in range. Per the Open Question decision
// (DESIGN.md): range enforcement happens here, at the SDO server edge,
// never inside od.Entry.Write.
func checkRange(v *od.Variable, value any) AbortCode {
	if v.InRange(value) {
		return 0
	}
	f, ok := asFloat64(value)
	if !ok {
		return AbortInvalidValue
	}
	if v.Max != nil {
		if max, ok := asFloat64(v.Max); ok && f > max {
			return AbortValueHigh
		}
	}
	if v.Min != nil {
		if min, ok := asFloat64(v.Min); ok && f < min {
			return AbortValueLow
		}
	}
	return AbortInvalidValue
}

// decodeAndWrite is the common tail of expedited/segmented downloads:
// unpack the accumulated buffer and write it through the dictionary.
func decodeAndWrite(entry *od.Entry, variable *od.Variable, sub uint8, data []byte) AbortCode {
	value, err := od.Unpack(data, variable.Datatype, variable.Factor)
	if err != nil {
		return AbortTypeMismatch
	}
	if code := checkRange(variable, value); code != 0 {
		return code
	}
	if err := entry.Write(sub, value, true); err != nil {
		return AbortDataTransfer
	}
	return 0
}

// lookupWritable resolves index/sub for a download, applying spec.md
// §4.4.1's "if not writable → abort 0x06010002".
func lookupWritable(dict *od.ObjectDictionary, index uint16, sub uint8) (*od.Entry, *od.Variable, AbortCode) {
	entry := dict.Index(index)
	if entry == nil {
		return nil, nil, AbortNotExist
	}
	variable, err := entry.Lookup(sub)
	if err != nil {
		return nil, nil, convertODRToAbort(err)
	}
	if !variable.Access.Writable() {
		return nil, nil, AbortReadOnly
	}
	return entry, variable, 0
}

// initDownload implements "init_download (ccs=1)".
func (d *downloadManager) initDownload(dict *od.ObjectDictionary, handlers HandlerFactory, frame frameView) (response, AbortCode) {
	d.reset()
	index, sub := frame.index(), frame.subindex()

	entry, variable, code := lookupWritable(dict, index, sub)
	if code != 0 {
		return response{}, code
	}

	cmd := frame.data[0]
	expedited := cmd&0x02 != 0
	sizeSpecified := cmd&0x01 != 0
	unused := (cmd >> 2) & 0x03

	var h Handler
	if handlers != nil {
		if hinted, ok := handlers(index, sub, 0); ok {
			h = hinted
		}
	}

	if expedited {
		length := 4
		if sizeSpecified {
			length = 4 - int(unused)
		} else if size, ok := variable.Datatype.Size(); ok && size <= 4 {
			length = size
		}
		data := frame.data[4 : 4+length]
		if h != nil {
			if err := h.OnReceive(data); err != nil {
				return response{}, AbortDataTransfer
			}
			if err := h.OnFinish(); err != nil {
				return response{}, AbortDataTransfer
			}
		} else if code := decodeAndWrite(entry, variable, sub, data); code != 0 {
			return response{}, code
		}
		return initDownloadResponse(index, sub), 0
	}

	// Segmented.
	d.state = stateSegment
	d.mux = multiplexor{index, sub}
	d.entry = entry
	d.variable = variable
	d.handler = h
	d.toggle = false
	if sizeSpecified {
		d.sizeIndicated = binary.LittleEndian.Uint32(frame.data[4:8])
	}
	return initDownloadResponse(index, sub), 0
}

func initDownloadResponse(index uint16, sub uint8) response {
	var r response
	r.data[0] = 0x60
	binary.LittleEndian.PutUint16(r.data[1:3], index)
	r.data[3] = sub
	return r
}

// segment implements "download_segment (ccs=0)".
func (d *downloadManager) segment(frame frameView) (response, AbortCode) {
	if d.state != stateSegment {
		return response{}, AbortCmd
	}
	cmd := frame.data[0]
	toggle := cmd&0x10 != 0
	if toggle != d.toggle {
		return response{}, AbortToggleBit
	}
	length := 7 - int((cmd>>1)&0x07)
	data := frame.data[1 : 1+length]
	last := cmd&0x01 != 0

	if d.handler != nil {
		if err := d.handler.OnReceive(data); err != nil {
			return response{}, AbortDataTransfer
		}
	} else {
		d.buf = append(d.buf, data...)
	}

	if last {
		var code AbortCode
		if d.handler != nil {
			if err := d.handler.OnFinish(); err != nil {
				code = AbortDataTransfer
			}
		} else {
			code = decodeAndWrite(d.entry, d.variable, d.mux.subindex, d.buf)
		}
		toggleBit := d.toggle
		d.reset()
		if code != 0 {
			return response{}, code
		}
		return segmentResponse(toggleBit), 0
	}

	d.toggle = !d.toggle
	return segmentResponse(toggle), 0
}

func segmentResponse(toggle bool) response {
	var r response
	r.data[0] = 0x20
	if toggle {
		r.data[0] |= 0x10
	}
	return r
}

// blockInit implements "download_block_init (ccs=6, bit0=0)".
func (d *downloadManager) blockInit(dict *od.ObjectDictionary, handlers HandlerFactory, frame frameView) (response, AbortCode) {
	d.reset()
	index, sub := frame.index(), frame.subindex()
	entry, variable, code := lookupWritable(dict, index, sub)
	if code != 0 {
		return response{}, code
	}

	cmd := frame.data[0]
	d.crcEnabled = cmd&0x04 != 0
	sizeSpecified := cmd&0x02 != 0

	var h Handler
	if handlers != nil {
		if hinted, ok := handlers(index, sub, 0); ok {
			h = hinted
		}
	}

	d.state = stateBlock
	d.mux = multiplexor{index, sub}
	d.entry = entry
	d.variable = variable
	d.handler = h
	d.seq = 1
	d.blockCRC = 0
	if sizeSpecified {
		d.sizeIndicated = binary.LittleEndian.Uint32(frame.data[4:8])
	}

	var r response
	r.data[0] = 0xA4
	binary.LittleEndian.PutUint16(r.data[1:3], index)
	r.data[3] = sub
	r.data[4] = BlockMaxSize
	return r, 0
}

// subBlock implements "download_sub_block". Unlike every other step,
// most sub-blocks provoke no reply at all: an acknowledgment is only
// due once per window (sequence 127, or the last sub-block), so the
// caller must consult send before transmitting resp.
func (d *downloadManager) subBlock(frame frameView) (resp response, send bool, abort AbortCode) {
	seq := frame.data[0] & 0x7F
	if seq != d.seq {
		return response{}, false, AbortSeqNum
	}
	last := frame.data[0]&0x80 != 0

	if !last {
		payload := frame.data[1:8]
		if d.handler != nil {
			if err := d.handler.OnReceive(payload); err != nil {
				return response{}, false, AbortDataTransfer
			}
		} else {
			d.buf = append(d.buf, payload...)
		}
		if d.crcEnabled {
			d.blockCRC.Block(payload)
		}
	} else {
		copy(d.tail[:], frame.data[1:8])
		d.tailLen = 7
		d.state = stateBlockEnd
	}

	if seq == BlockMaxSize || last {
		var ack response
		ack.data[0] = 0xA2
		ack.data[1] = seq
		ack.data[2] = BlockMaxSize
		d.seq = 1
		return ack, true, 0
	}
	d.seq++
	return response{}, false, 0
}

// blockEnd implements "download_block_end (ccs=6, bit0=1)".
func (d *downloadManager) blockEnd(frame frameView) (response, AbortCode) {
	if d.state != stateBlockEnd {
		return response{}, AbortCmd
	}
	cmd := frame.data[0]
	unused := (cmd >> 2) & 0x07
	validLen := 7 - int(unused)
	if validLen < 0 || validLen > d.tailLen {
		validLen = d.tailLen
	}
	valid := d.tail[:validLen]

	if d.crcEnabled {
		d.blockCRC.Block(valid)
		clientCRC := binary.LittleEndian.Uint16(frame.data[1:3])
		if uint16(d.blockCRC) != clientCRC {
			d.reset()
			return response{}, AbortCRC
		}
	}

	var code AbortCode
	if d.handler != nil {
		if err := d.handler.OnReceive(valid); err != nil {
			code = AbortDataTransfer
		} else if err := d.handler.OnFinish(); err != nil {
			code = AbortDataTransfer
		}
	} else {
		d.buf = append(d.buf, valid...)
		code = decodeAndWrite(d.entry, d.variable, d.mux.subindex, d.buf)
	}
	d.reset()
	if code != 0 {
		return response{}, code
	}

	var r response
	r.data[0] = 0xA1
	return r, 0
}

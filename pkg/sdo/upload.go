package sdo

import (
	"encoding/binary"

	"github.com/go-canopen/responder/internal/crc"
	"github.com/go-canopen/responder/pkg/od"
)

// uploadManager implements spec.md §4.4.2: expedited, segmented and
// block server→client transfers, one at a time.
//
// Block-mode staging deliberately peeks ahead without consuming the
// stream: bytes already transmitted in the current sub-block window
// are only committed (stream.read, CRC folded in) once the client's
// "ack + continue" names how many of them it actually received,
// matching spec.md §4.4.2's literal "consume ack_seq*7 bytes from the
// stream". Unlike the teacher's rxUploadSubBlock there is no rewind
// step: after a short ack the next window starts at the first
// unacknowledged byte, so those bytes are sent again. A window that
// reaches end-of-stream is consumed as soon as it is staged.
type uploadManager struct {
	state transferState
	mux   multiplexor

	stream readStream

	toggle bool

	crcEnabled      bool
	clientBlocksize uint8
	blockCRC        crc.CRC16
	lastChunkLen    int
	awaitingEndACK  bool
}

func (u *uploadManager) reset() {
	if u.stream != nil {
		u.stream.release()
	}
	*u = uploadManager{}
}

func (u *uploadManager) active() bool {
	return u.state == stateBlock || u.state == stateBlockEnd
}

// abortInbound mirrors downloadManager.abortInbound for the upload
// side.
func (u *uploadManager) abortInbound(frame frameView) {
	if u.state == stateNone {
		return
	}
	if frame.index() == u.mux.index && frame.subindex() == u.mux.subindex {
		if u.stream != nil {
			u.stream.abort()
		}
		*u = uploadManager{}
	}
}

// setupUpload implements "setup(index, sub-index)".
func setupUpload(dict *od.ObjectDictionary, handlers HandlerFactory, index uint16, sub uint8) (readStream, AbortCode) {
	entry := dict.Index(index)
	if entry == nil {
		return nil, AbortNotExist
	}
	variable, err := entry.Lookup(sub)
	if err != nil {
		return nil, convertODRToAbort(err)
	}
	if !variable.Access.Readable() {
		return nil, AbortWriteOnly
	}

	if handlers != nil {
		if h, ok := handlers(index, sub, 0); ok {
			return newHandlerStream(h), 0
		}
	}

	value, err := entry.Read(sub)
	if err != nil {
		return nil, AbortDataTransfer
	}
	data, err := od.Pack(value, variable.Datatype, variable.Factor)
	if err != nil {
		return nil, AbortDataTransfer
	}
	return newFixedStream(data), 0
}

// initUpload implements "init_upload (ccs=2 or ccs=5 with bit0..1=0)".
func (u *uploadManager) initUpload(dict *od.ObjectDictionary, handlers HandlerFactory, frame frameView) (response, AbortCode) {
	u.reset()
	index, sub := frame.index(), frame.subindex()

	stream, code := setupUpload(dict, handlers, index, sub)
	if code != 0 {
		return response{}, code
	}
	size, sizeKnown := stream.size()

	isBlockRequest := frame.data[0]&0xE3 == 0xA0
	if isBlockRequest {
		pst := frame.data[5]
		if pst == 0 || !sizeKnown || size > uint32(pst) {
			u.state = stateBlock
			u.mux = multiplexor{index, sub}
			u.stream = stream
			u.crcEnabled = frame.data[0]&0x04 != 0
			u.clientBlocksize = frame.data[4]
			u.blockCRC = 0

			var r response
			r.data[0] = 0xC4
			if sizeKnown {
				r.data[0] |= 0x02
			}
			binary.LittleEndian.PutUint16(r.data[1:3], index)
			r.data[3] = sub
			if sizeKnown {
				binary.LittleEndian.PutUint32(r.data[4:8], size)
			}
			return r, 0
		}
	}

	if sizeKnown && size <= 4 {
		data := stream.read(int(size))
		stream.release()
		var r response
		n := len(data)
		r.data[0] = 0x43 | uint8(4-n)<<2
		binary.LittleEndian.PutUint16(r.data[1:3], index)
		r.data[3] = sub
		copy(r.data[4:4+n], data)
		return r, 0
	}

	u.state = stateSegment
	u.mux = multiplexor{index, sub}
	u.stream = stream
	u.toggle = false

	var r response
	r.data[0] = 0x40
	if sizeKnown {
		r.data[0] |= 0x01
	}
	binary.LittleEndian.PutUint16(r.data[1:3], index)
	r.data[3] = sub
	if sizeKnown {
		binary.LittleEndian.PutUint32(r.data[4:8], size)
	}
	return r, 0
}

// segment implements "upload_segment (ccs=3)".
func (u *uploadManager) segment(frame frameView) (response, AbortCode) {
	if u.state != stateSegment {
		return response{}, AbortCmd
	}
	toggle := frame.data[0]&0x10 != 0
	if toggle != u.toggle {
		return response{}, AbortToggleBit
	}

	data := u.stream.read(7)
	last := len(u.stream.peek(1)) == 0

	var r response
	n := len(data)
	r.data[0] = (frame.data[0] & 0x10) | uint8(7-n)<<1
	if last {
		r.data[0] |= 0x01
	}
	copy(r.data[1:1+n], data)

	if last {
		u.stream.release()
		*u = uploadManager{}
	} else {
		u.toggle = !u.toggle
	}
	return r, 0
}

// subBlock dispatches the two upload block sub-commands (spec.md
// §4.4.2's "=3 (start)" and "=2 (acknowledge + continue)"), or, once
// BLOCK_END has been entered, the end-of-block-upload exchange.
func (u *uploadManager) subBlock(frame frameView) ([]response, AbortCode) {
	if u.state == stateBlockEnd {
		return u.blockEndExchange(frame)
	}

	switch frame.data[0] & 0x03 {
	case 3: // start
		return u.emitBlock(u.clientBlocksize), 0
	case 2: // acknowledge + continue
		ackSeq := frame.data[1]
		blocksize := frame.data[2]
		if blocksize < 1 || blocksize > BlockMaxSize {
			return nil, AbortBlockSize
		}
		consumed := u.stream.read(int(ackSeq) * 7)
		if u.crcEnabled {
			u.blockCRC.Block(consumed)
		}
		u.clientBlocksize = blocksize
		return u.emitBlock(blocksize), 0
	default:
		return nil, AbortCmd
	}
}

// emitBlock stages up to blocksize 7-byte frames ahead of
// acknowledgment. When the stream runs out mid-window, the staged
// remainder is consumed immediately (there is no further ack coming
// for it) and the manager moves to BLOCK_END.
func (u *uploadManager) emitBlock(blocksize uint8) []response {
	if blocksize == 0 {
		blocksize = 1
	}
	staged := u.stream.peek(int(blocksize) * 7)
	exhausted := len(staged) < int(blocksize)*7

	data := staged
	if exhausted {
		data = u.stream.read(len(staged))
		if u.crcEnabled {
			u.blockCRC.Block(data)
		}
	}

	var frames []response
	for i := 0; i < len(data) || i == 0; i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		var r response
		seq := uint8(i/7) + 1
		r.data[0] = seq
		n := copy(r.data[1:8], data[i:end])
		u.lastChunkLen = n
		frames = append(frames, r)
		if end == len(data) {
			break
		}
	}
	if exhausted {
		frames[len(frames)-1].data[0] |= 0x80
		u.state = stateBlockEnd
	}
	return frames
}

// blockEndExchange implements spec.md §4.4.2's closing handshake: the
// client's `ccs=6, bit0=1` request draws the CRC/unused-count reply,
// and the client's closing `0xA1` finally releases the stream.
func (u *uploadManager) blockEndExchange(frame frameView) ([]response, AbortCode) {
	cmd := frame.data[0]
	if !u.awaitingEndACK {
		if cmd&0xE1 != 0xC1 {
			return nil, AbortCmd
		}
		unused := 0
		if u.lastChunkLen > 0 {
			unused = 7 - u.lastChunkLen
		}
		var r response
		r.data[0] = 0xC1 | uint8(unused)<<2
		binary.LittleEndian.PutUint16(r.data[1:3], uint16(u.blockCRC))
		u.awaitingEndACK = true
		return []response{r}, 0
	}

	if cmd != 0xA1 {
		return nil, AbortCmd
	}
	u.stream.release()
	*u = uploadManager{}
	return nil, 0
}

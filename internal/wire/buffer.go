// Package wire implements append-only encoding and streaming consumption
// of whole protocol messages: a pair of word buffers (one per direction)
// and an ordered fd queue per buffer. All multi-byte fields are
// little-endian.
//
// The fd queue and word buffer are consumed in causal order: fds are not
// popped while framing a message, only while decoding its fd-typed fields,
// so the first fd in the queue always belongs to the first framed message
// that references one.
package wire

import (
	"encoding/binary"

	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
)

// headerWords is the number of 32-bit words in every message header: the
// target object id, and the combined opcode/length word.
const headerWords = 2

// Header is the decoded form of a message's two header words.
type Header struct {
	ObjectID uint32
	Opcode   uint16
	// Length is the total byte length of the message, header included,
	// always a multiple of 4.
	Length uint16
}

// OutBuffer is the outbound half of one direction's wire state: a
// byte-accurate word buffer plus the fd queue that rides alongside it.
// Endpoints hold one OutBuffer per peer connection.
type OutBuffer struct {
	buf []byte
	fds []int
}

// Len reports how many bytes are currently buffered.
func (b *OutBuffer) Len() int { return len(b.buf) }

// AppendWords appends a contiguous run of 32-bit words, little-endian.
func (b *OutBuffer) AppendWords(words ...uint32) {
	for _, w := range words {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], w)
		b.buf = append(b.buf, tmp[:]...)
	}
}

// AppendBytesPadded appends a u32 length prefix followed by data and 0-3 NUL
// padding bytes bringing the total to a multiple of 4. This is the one
// primitive shared by the codec's string and array encoders; the caller
// decides what belongs in data (a string's data includes its trailing NUL,
// an array's does not).
func (b *OutBuffer) AppendBytesPadded(data []byte) {
	b.AppendWords(uint32(len(data)))
	b.buf = append(b.buf, data...)
	if pad := (4 - len(data)%4) % 4; pad != 0 {
		var zeros [3]byte
		b.buf = append(b.buf, zeros[:pad]...)
	}
}

// PushFD enqueues a fd owned by this buffer. Fds are written out in the
// order they are pushed, which must match the order their owning fields
// appear in the byte stream (see the package doc's causal-order invariant).
func (b *OutBuffer) PushFD(fd int) {
	b.fds = append(b.fds, fd)
}

// reserveHeader appends a placeholder header (object id plus a zeroed
// opcode/length word) and returns the byte offset where it begins, so the
// caller can patch the length in once the body has been written.
func (b *OutBuffer) reserveHeader(objectID uint32, opcode uint16) int {
	off := len(b.buf)
	b.AppendWords(objectID, uint32(opcode))
	return off
}

// finishMessage patches the opcode/length word at off+4 now that the body
// has been fully appended.
func (b *OutBuffer) finishMessage(off int) {
	length := len(b.buf) - off
	opcode := binary.LittleEndian.Uint16(b.buf[off+4 : off+6])
	binary.LittleEndian.PutUint32(b.buf[off+4:off+8], uint32(opcode)|uint32(length)<<16)
}

// BeginMessage starts framing a new message addressed to objectID with the
// given opcode and returns a token to pass to EndMessage once every field
// has been appended via AppendWords/AppendBytesPadded/PushFD.
func (b *OutBuffer) BeginMessage(objectID uint32, opcode uint16) int {
	return b.reserveHeader(objectID, opcode)
}

// EndMessage closes the message started by BeginMessage, writing its final
// byte length into the header word.
func (b *OutBuffer) EndMessage(token int) {
	b.finishMessage(token)
}

// Bytes returns the buffered bytes ready to be written to the socket. The
// caller must call Drain with however many bytes the write call accepted.
func (b *OutBuffer) Bytes() []byte { return b.buf }

// FDs returns the fds queued ahead of (or alongside) Bytes(), in order.
func (b *OutBuffer) FDs() []int { return b.fds }

// Drain removes n bytes from the front of the buffer (a partial or full
// socket write accepted them) and nFDs fds from the front of the fd queue
// (the kernel only transfers ancillary data with the first sendmsg that
// carries any payload bytes, so nFDs is usually 0 or len(b.fds)).
func (b *OutBuffer) Drain(n int, nFDs int) {
	b.buf = append([]byte(nil), b.buf[n:]...)
	if nFDs > 0 {
		b.fds = append([]int(nil), b.fds[nFDs:]...)
	}
}

// Empty reports whether there is nothing left to flush.
func (b *OutBuffer) Empty() bool { return len(b.buf) == 0 }

// DrainFDs removes and returns every fd still queued, for a caller tearing
// the endpoint down to close them explicitly (they will never be written to
// a socket now).
func (b *OutBuffer) DrainFDs() []int {
	fds := b.fds
	b.fds = nil
	return fds
}

// InBuffer is the inbound half of one direction's wire state.
type InBuffer struct {
	buf []byte
	fds []int
}

// Feed appends freshly read socket bytes to the buffer.
func (b *InBuffer) Feed(data []byte) {
	b.buf = append(b.buf, data...)
}

// FeedFDs appends freshly received ancillary fds, in the order recvmsg
// returned them, to the inbound fd queue.
func (b *InBuffer) FeedFDs(fds []int) {
	b.fds = append(b.fds, fds...)
}

// TryConsumeMessage attempts to split one whole message off the front of
// the buffer. It returns ok=false without consuming anything if fewer than
// headerWords are buffered yet, or if the declared length extends past what
// has been buffered so far. It returns a fatal error if the declared length
// is structurally invalid (shorter than a header, or not a multiple of 4);
// that is a framing violation, not a signature mismatch, so it is raised
// here rather than left to the codec.
//
// TryConsumeMessage does not pop fds itself; the codec drains the queue
// via PopFD as it decodes fd-typed fields. See the package doc's
// causal-order invariant for why.
func (b *InBuffer) TryConsumeMessage() (hdr Header, body []byte, ok bool, err error) {
	if len(b.buf) < headerWords*4 {
		return Header{}, nil, false, nil
	}

	objectID := binary.LittleEndian.Uint32(b.buf[0:4])
	combined := binary.LittleEndian.Uint32(b.buf[4:8])
	opcode := uint16(combined & 0xffff)
	length := uint16(combined >> 16)

	if int(length) < headerWords*4 {
		return Header{}, nil, false, protoerr.WrongMessageSize(int(length), headerWords*4)
	}
	if int(length)%4 != 0 {
		return Header{}, nil, false, protoerr.New(protoerr.KindTrailingBytes)
	}

	if len(b.buf) < int(length) {
		return Header{}, nil, false, nil
	}

	hdr = Header{ObjectID: objectID, Opcode: opcode, Length: length}
	body = append([]byte(nil), b.buf[headerWords*4:length]...)
	b.buf = append([]byte(nil), b.buf[length:]...)
	return hdr, body, true, nil
}

// PopFD pops the oldest queued inbound fd. It is called by the codec, once
// per fd-typed field, in the order those fields appear in the signature.
func (b *InBuffer) PopFD() (int, bool) {
	if len(b.fds) == 0 {
		return 0, false
	}
	fd := b.fds[0]
	b.fds = append([]int(nil), b.fds[1:]...)
	return fd, true
}

// PendingFDs reports how many fds are queued but not yet popped. Used by
// tests.
func (b *InBuffer) PendingFDs() int { return len(b.fds) }

// PendingBytes reports how many undecoded bytes remain buffered (a partial
// message straddling a read boundary, most commonly).
func (b *InBuffer) PendingBytes() int { return len(b.buf) }

// DrainFDs removes and returns every inbound fd not yet popped by the codec,
// for a caller tearing the endpoint down to close them explicitly.
func (b *InBuffer) DrainFDs() []int {
	fds := b.fds
	b.fds = nil
	return fds
}

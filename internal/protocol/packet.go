package protocol

import (
	"io"
)

// DecodeFrame reads one wire packet's header and payload out of
// buffer. It returns the payload slice (a view into buffer, not a
// copy), the number of bytes consumed, and whether the payload length
// equalled MaxPayloadSize (meaning the logical command continues in
// the next packet). It fails with ErrMalformedPacket if fewer than
// HeaderSize bytes are available, and with ErrOversizedPacket if the
// declared length exceeds maxPacketSize.
func DecodeFrame(buffer []byte, maxPacketSize int) (payload []byte, seq byte, consumed int, isLarge bool, err error) {
	if len(buffer) < HeaderSize {
		return nil, 0, 0, false, NewError(ErrMalformedPacket, "short packet header")
	}
	length := int(buffer[0]) | int(buffer[1])<<8 | int(buffer[2])<<16
	seq = buffer[3]
	if length > maxPacketSize && length != MaxPayloadSize {
		return nil, 0, 0, false, NewError(ErrOversizedPacket, "payload exceeds maximum packet size")
	}
	total := HeaderSize + length
	if len(buffer) < total {
		return nil, 0, 0, false, NewError(ErrMalformedPacket, "incomplete packet payload")
	}
	return buffer[HeaderSize:total], seq, total, length == MaxPayloadSize, nil
}

// EncodeFrame wraps payload in a single wire packet with the given
// sequence number. Callers that need to split a payload longer than
// MaxPayloadSize across several packets should use EncodeFrames.
func EncodeFrame(payload []byte, seq byte) []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	out[0] = byte(len(payload))
	out[1] = byte(len(payload) >> 8)
	out[2] = byte(len(payload) >> 16)
	out[3] = seq
	return append(out, payload...)
}

// EncodeFrames splits payload into as many MaxPayloadSize-sized
// packets as necessary, each carrying consecutive sequence numbers
// starting at startSeq. A payload that is an exact multiple of
// MaxPayloadSize is followed by one final zero-length packet, per the
// wire protocol's rule that a full-size packet always implies a
// continuation.
func EncodeFrames(payload []byte, startSeq byte) []byte {
	if len(payload) < MaxPayloadSize {
		return EncodeFrame(payload, startSeq)
	}
	var out []byte
	seq := startSeq
	for {
		chunkLen := MaxPayloadSize
		if len(payload) < chunkLen {
			chunkLen = len(payload)
		}
		out = append(out, EncodeFrame(payload[:chunkLen], seq)...)
		payload = payload[chunkLen:]
		seq++
		if chunkLen < MaxPayloadSize {
			break
		}
		if len(payload) == 0 {
			out = append(out, EncodeFrame(nil, seq)...)
			break
		}
	}
	return out
}

// FrameReader reassembles a logical client/server command from one or
// more wire packets read off r, following the 0xFFFFFF continuation
// rule. It tracks the sequence number of the last packet it read so
// callers can validate monotonicity (invariant I1).
type FrameReader struct {
	r             io.Reader
	maxPacketSize int
	header        [HeaderSize]byte
	LastSeq       byte
}

// NewFrameReader creates a FrameReader over r. maxPacketSize bounds a
// single packet's declared payload length (continuations are
// unlimited in aggregate, per spec.md §4.1).
func NewFrameReader(r io.Reader, maxPacketSize int) *FrameReader {
	return &FrameReader{r: r, maxPacketSize: maxPacketSize}
}

// ReadCommand reads one full logical command (reassembling any
// 0xFFFFFF continuation packets) and returns its payload.
func (fr *FrameReader) ReadCommand() ([]byte, error) {
	var payload []byte
	for {
		chunk, seq, err := fr.readOne()
		if err != nil {
			return nil, err
		}
		fr.LastSeq = seq
		payload = append(payload, chunk...)
		if len(chunk) < MaxPayloadSize {
			return payload, nil
		}
	}
}

// RenumberFrames rewrites the sequence number of every packet in raw
// (a concatenation of complete wire packets, such as a buffered
// multi-packet backend reply) to consecutive values starting at
// startSeq, so it can be relayed to a peer whose own sequence counter
// has advanced independently of the one the packets were produced
// under. Returns the rewritten bytes and the sequence number one past
// the last packet written.
func RenumberFrames(raw []byte, startSeq byte) ([]byte, byte) {
	out := make([]byte, len(raw))
	copy(out, raw)
	seq := startSeq
	pos := 0
	for pos+HeaderSize <= len(out) {
		length := int(out[pos]) | int(out[pos+1])<<8 | int(out[pos+2])<<16
		out[pos+3] = seq
		seq++
		pos += HeaderSize + length
	}
	return out, seq
}

func (fr *FrameReader) readOne() ([]byte, byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, 0, err
	}
	length := int(fr.header[0]) | int(fr.header[1])<<8 | int(fr.header[2])<<16
	seq := fr.header[3]
	if length > fr.maxPacketSize && length != MaxPayloadSize {
		return nil, 0, NewError(ErrOversizedPacket, "payload exceeds maximum packet size")
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, 0, err
		}
	}
	return payload, seq, nil
}

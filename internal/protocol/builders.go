package protocol

import "encoding/binary"

// EncodeOK builds a synthetic OK packet with the given sequence
// number. warnings and info are only meaningful under
// ClientProtocol41; info is appended verbatim (EOF-string) when
// non-empty.
func EncodeOK(seq byte, affectedRows, lastInsertID uint64, statusFlags uint16, warnings uint16, info string, capability uint32) []byte {
	body := make([]byte, 0, 32+len(info))
	body = append(body, OKHeader)
	body = append(body, PutLengthEncodedInt(affectedRows)...)
	body = append(body, PutLengthEncodedInt(lastInsertID)...)
	if Supports(capability, ClientProtocol41) {
		body = append(body, byte(statusFlags), byte(statusFlags>>8))
		body = append(body, byte(warnings), byte(warnings>>8))
	} else if Supports(capability, ClientTransactions) {
		body = append(body, byte(statusFlags), byte(statusFlags>>8))
	}
	if info != "" {
		body = append(body, []byte(info)...)
	}
	return EncodeFrame(body, seq)
}

// EncodeErr builds a synthetic ERR packet.
func EncodeErr(seq byte, code uint16, sqlState, message string, capability uint32) []byte {
	body := make([]byte, 0, 16+len(message))
	body = append(body, ErrHeader)
	body = append(body, byte(code), byte(code>>8))
	if Supports(capability, ClientProtocol41) {
		body = append(body, '#')
		state := sqlState
		if len(state) != 5 {
			// Pad/truncate to the fixed 5-character SQLSTATE field.
			padded := []byte("HY000")
			copy(padded, state)
			state = string(padded)
		}
		body = append(body, []byte(state)...)
	}
	body = append(body, []byte(message)...)
	return EncodeFrame(body, seq)
}

// EncodeEOF builds a synthetic EOF packet. Callers must not use this
// when the session negotiated ClientDeprecateEOF; use EncodeOK
// instead in that case (the "new style OK" the deprecate-EOF
// capability substitutes for a genuine EOF).
func EncodeEOF(seq byte, warnings uint16, statusFlags uint16, capability uint32) []byte {
	body := make([]byte, 0, 5)
	body = append(body, EOFHeader)
	if Supports(capability, ClientProtocol41) {
		body = append(body, byte(warnings), byte(warnings>>8))
		body = append(body, byte(statusFlags), byte(statusFlags>>8))
	}
	return EncodeFrame(body, seq)
}

// PatchStatusFlags rewrites the status-flags field of an already
// encoded OK or EOF packet in place, for example to set or clear
// ServerMoreResultsExists.
func PatchStatusFlags(packet []byte, statusFlags uint16) {
	if len(packet) <= HeaderSize {
		return
	}
	body := packet[HeaderSize:]
	switch body[0] {
	case OKHeader:
		pos := 1
		_, _, n := ReadLengthEncodedInt(body[pos:])
		if n == 0 {
			return
		}
		pos += n
		_, _, n = ReadLengthEncodedInt(body[pos:])
		if n == 0 {
			return
		}
		pos += n
		if len(body) < pos+2 {
			return
		}
		binary.LittleEndian.PutUint16(body[pos:pos+2], statusFlags)
	case EOFHeader:
		if len(body) < 5 {
			return
		}
		binary.LittleEndian.PutUint16(body[3:5], statusFlags)
	}
}

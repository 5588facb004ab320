// Package wire defines the fixed-width frame encoding used between clients
// and the server over the registration pipe and per-session request,
// response and notification pipes.
package wire

import (
	"bytes"
	"errors"
)

// Field widths. All frames are fixed-width so pipe reads never need
// buffering across frame boundaries.
const (
	MaxStringSize = 40 // MAX_STRING_SIZE: key or value payload, NUL-padded
	FrameSize     = MaxStringSize + 1
	PipePathSize  = MaxStringSize
	ConnectSize   = 1 + 3*PipePathSize // opcode + 3 pipe paths
)

// Opcodes identifying each frame kind on the wire.
const (
	OpConnect     byte = 1
	OpDisconnect  byte = 2
	OpSubscribe   byte = 3
	OpUnsubscribe byte = 4
)

// Status bytes used in SUBSCRIBE/UNSUBSCRIBE/CONNECT responses.
const (
	StatusSuccess byte = 1
	StatusFail    byte = 0
	StatusOK      byte = '1'
	StatusNo      byte = '0'
)

// deletedLiteral is the literal payload written in place of a value on a DELETE
// notification, NUL-padded to FrameSize.
var deletedLiteral = padString("DELETED")

// ErrTruncated means the field does not fit in the on-wire width.
var ErrTruncated = errors.New("wire: value exceeds fixed field width")

// PadKey encodes a key/value into a NUL-padded FrameSize-byte frame.
func PadKey(s string) ([FrameSize]byte, error) {
	return padField(s)
}

// PadValue encodes a value the same way a key is encoded.
func PadValue(s string) ([FrameSize]byte, error) {
	return padField(s)
}

func padField(s string) ([FrameSize]byte, error) {
	var out [FrameSize]byte
	if len(s) > MaxStringSize {
		return out, ErrTruncated
	}
	copy(out[:], s)
	return out, nil
}

func padString(s string) [FrameSize]byte {
	out, err := padField(s)
	if err != nil {
		panic("wire: literal does not fit frame: " + s)
	}
	return out
}

// DeletedFrame returns the fixed 41-byte "DELETED" literal frame.
func DeletedFrame() [FrameSize]byte { return deletedLiteral }

// Unpad trims trailing NUL bytes from a fixed-width field.
func Unpad(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// PadPath encodes a pipe path into the 40-byte field used by CONNECT.
func PadPath(s string) ([PipePathSize]byte, error) {
	var out [PipePathSize]byte
	if len(s) > PipePathSize {
		return out, ErrTruncated
	}
	copy(out[:], s)
	return out, nil
}

// EncodeConnect builds the 121-byte CONNECT message a client sends on the
// registration pipe: opcode + req path + resp path + notif path.
func EncodeConnect(reqPipe, respPipe, notifPipe string) ([ConnectSize]byte, error) {
	var out [ConnectSize]byte
	out[0] = OpConnect

	req, err := PadPath(reqPipe)
	if err != nil {
		return out, err
	}
	resp, err := PadPath(respPipe)
	if err != nil {
		return out, err
	}
	notif, err := PadPath(notifPipe)
	if err != nil {
		return out, err
	}

	copy(out[1:1+PipePathSize], req[:])
	copy(out[1+PipePathSize:1+2*PipePathSize], resp[:])
	copy(out[1+2*PipePathSize:], notif[:])
	return out, nil
}

// RegisterMessage is the decoded form of a CONNECT frame.
type RegisterMessage struct {
	RequestPipe      string
	ResponsePipe     string
	NotificationPipe string
}

// DecodeConnect parses a 121-byte CONNECT message. Returns false if msg is
// not a well-formed CONNECT frame.
func DecodeConnect(msg []byte) (RegisterMessage, bool) {
	if len(msg) != ConnectSize || msg[0] != OpConnect {
		return RegisterMessage{}, false
	}
	return RegisterMessage{
		RequestPipe:      Unpad(msg[1 : 1+PipePathSize]),
		ResponsePipe:     Unpad(msg[1+PipePathSize : 1+2*PipePathSize]),
		NotificationPipe: Unpad(msg[1+2*PipePathSize:]),
	}, true
}

// RequestFrame is a decoded 41-byte client->server request frame.
type RequestFrame struct {
	Opcode byte
	Key    string // valid for SUBSCRIBE/UNSUBSCRIBE
}

// DecodeRequest parses a FrameSize-byte request frame.
func DecodeRequest(buf []byte) (RequestFrame, bool) {
	if len(buf) != FrameSize {
		return RequestFrame{}, false
	}
	return RequestFrame{Opcode: buf[0], Key: Unpad(buf[1:])}, true
}

// EncodeSubUnsubResponse builds the 2-byte [opcode, '1'|'0'] response.
func EncodeSubUnsubResponse(opcode byte, ok bool) [2]byte {
	status := StatusNo
	if ok {
		status = StatusOK
	}
	return [2]byte{opcode, status}
}

// EncodeConnectResponse builds the 2-byte [OpConnect, SUCCESS|FAIL] response.
func EncodeConnectResponse(ok bool) [2]byte {
	status := StatusFail
	if ok {
		status = StatusSuccess
	}
	return [2]byte{OpConnect, status}
}

// EncodeDisconnectResponse builds the 2-byte [OpDisconnect, SUCCESS] response.
func EncodeDisconnectResponse() [2]byte {
	return [2]byte{OpDisconnect, StatusSuccess}
}

// NotificationPair encodes the two 41-byte frames pushed to a subscriber:
// the key frame, then either the value frame or the DELETED literal.
func NotificationPair(key, value string, deleted bool) (keyFrame, payloadFrame [FrameSize]byte, err error) {
	keyFrame, err = PadKey(key)
	if err != nil {
		return keyFrame, payloadFrame, err
	}
	if deleted {
		payloadFrame = DeletedFrame()
		return keyFrame, payloadFrame, nil
	}
	payloadFrame, err = PadValue(value)
	return keyFrame, payloadFrame, err
}

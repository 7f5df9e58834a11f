// Package packet defines the tcpplus wire format.
//
// Every packet travels as one self-delimited frame:
//
//	frame = length:uint32 body
//	body  = typeLen:uint16 type secLen:uint16 securityTag payload
//
// All integers are big-endian and length counts the body bytes only. The type
// tag, the security tag and the payload must all be valid UTF-8.
package packet

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

const (
	// HeaderSize is the size of the length prefix that precedes every body.
	HeaderSize = 4

	// MaxFrameSize bounds the body length a peer may announce.
	MaxFrameSize = 16 << 20

	fieldHeaderSize = 2
	maxFieldSize    = math.MaxUint16
)

// Packet is the value exchanged between peers. SecurityTag is empty for
// plaintext packets; a non-empty tag means Payload has to be decrypted before
// it is handed to a handler.
type Packet struct {
	Type        string `json:"type"`
	Payload     string `json:"payload"`
	SecurityTag string `json:"security_tag,omitempty"`
}

// New returns a plaintext packet.
func New(typ string, payload string) Packet {
	return Packet{Type: typ, Payload: payload}
}

// Secure reports whether the packet carries a security marker.
func (p Packet) Secure() bool {
	return p.SecurityTag != ""
}

func (p Packet) String() string {
	if p.Secure() {
		return fmt.Sprintf("%s (%d bytes, %s)", p.Type, len(p.Payload), p.SecurityTag)
	}
	return fmt.Sprintf("%s (%d bytes)", p.Type, len(p.Payload))
}

// ProtocolError is returned for frames that cannot be encoded or decoded.
// A connection that produced one can no longer be trusted to be in sync.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Encode serialises p into a complete frame, length prefix included.
func Encode(p Packet) ([]byte, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	bodyLen := fieldHeaderSize + len(p.Type) + fieldHeaderSize + len(p.SecurityTag) + len(p.Payload)
	if bodyLen > MaxFrameSize {
		return nil, protocolErrorf("frame of %d bytes exceeds maximum of %d", bodyLen, MaxFrameSize)
	}

	buf := make([]byte, HeaderSize, HeaderSize+bodyLen)
	binary.BigEndian.PutUint32(buf, uint32(bodyLen))
	buf = appendField(buf, p.Type)
	buf = appendField(buf, p.SecurityTag)
	buf = append(buf, p.Payload...)
	return buf, nil
}

// Decode parses a complete frame as produced by Encode or ReadFrame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, protocolErrorf("truncated length prefix (%d bytes)", len(frame))
	}

	bodyLen := binary.BigEndian.Uint32(frame)
	body := frame[HeaderSize:]
	if uint32(len(body)) != bodyLen {
		return Packet{}, protocolErrorf("length prefix says %d bytes, frame has %d", bodyLen, len(body))
	}

	typ, rest, err := readField(body, "type")
	if err != nil {
		return Packet{}, err
	}
	tag, rest, err := readField(rest, "security tag")
	if err != nil {
		return Packet{}, err
	}

	p := Packet{Type: typ, SecurityTag: tag, Payload: string(rest)}
	if err := validate(p); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// ReadFrame reads exactly one frame from r. The returned slice includes the
// length prefix and can be passed to Decode as is.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, protocolErrorf("announced frame of %d bytes exceeds maximum of %d", size, MaxFrameSize)
	}

	frame := make([]byte, HeaderSize+int(size))
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame encodes p and writes the frame to w in a single call.
func WriteFrame(w io.Writer, p Packet) error {
	frame, err := Encode(p)
	if err != nil {
		return err
	}

	if _, err := w.Write(frame); err != nil {
		return err
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

func validate(p Packet) error {
	switch {
	case p.Type == "":
		return protocolErrorf("empty packet type")
	case len(p.Type) > maxFieldSize:
		return protocolErrorf("packet type of %d bytes is too long", len(p.Type))
	case len(p.SecurityTag) > maxFieldSize:
		return protocolErrorf("security tag of %d bytes is too long", len(p.SecurityTag))
	case !utf8.ValidString(p.Type):
		return protocolErrorf("packet type is not valid utf-8")
	case !utf8.ValidString(p.SecurityTag):
		return protocolErrorf("security tag is not valid utf-8")
	case !utf8.ValidString(p.Payload):
		return protocolErrorf("payload of %q is not valid utf-8", p.Type)
	}
	return nil
}

func appendField(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readField(b []byte, name string) (string, []byte, error) {
	if len(b) < fieldHeaderSize {
		return "", nil, protocolErrorf("truncated %s length", name)
	}

	n := int(binary.BigEndian.Uint16(b))
	b = b[fieldHeaderSize:]
	if len(b) < n {
		return "", nil, protocolErrorf("%s of %d bytes overruns frame", name, n)
	}
	return string(b[:n]), b[n:], nil
}

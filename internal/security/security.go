// Package security applies opportunistic per-packet encryption around the
// packet codec. A packet is encrypted when its sender asks for it; receivers
// decrypt whatever arrives with a security tag before it reaches a handler.
package security

import (
	"errors"
	"fmt"

	"github.com/Tox/tcpplus/internal/packet"
)

// ErrNoCipher is returned when a packet has to be sealed or opened but no
// cipher was configured.
var ErrNoCipher = errors.New("no cipher configured")

// Cipher is the encryption primitive. Encrypt must return a packet with a
// security tag set and Decrypt must return one with the tag cleared.
type Cipher interface {
	Encrypt(p packet.Packet) (packet.Packet, error)
	Decrypt(p packet.Packet) (packet.Packet, error)
}

// CryptoError wraps failures of the encryption primitive.
type CryptoError struct {
	Op   string
	Type string
	Err  error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s %q: %v", e.Op, e.Type, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Gate seals outgoing packets on request and opens incoming ones that carry a
// security tag. The zero value passes plaintext through and rejects anything
// that needs a cipher.
type Gate struct {
	cipher Cipher
}

func NewGate(c Cipher) *Gate {
	return &Gate{cipher: c}
}

// Seal encrypts p.
func (g *Gate) Seal(p packet.Packet) (packet.Packet, error) {
	if g == nil || g.cipher == nil {
		return packet.Packet{}, &CryptoError{Op: "encrypt", Type: p.Type, Err: ErrNoCipher}
	}

	sealed, err := g.cipher.Encrypt(p)
	if err != nil {
		return packet.Packet{}, &CryptoError{Op: "encrypt", Type: p.Type, Err: err}
	}
	if !sealed.Secure() {
		return packet.Packet{}, &CryptoError{Op: "encrypt", Type: p.Type, Err: errors.New("cipher did not set a security tag")}
	}
	return sealed, nil
}

// Open returns the plaintext form of p. Packets without a security tag are
// returned unchanged.
func (g *Gate) Open(p packet.Packet) (packet.Packet, error) {
	if !p.Secure() {
		return p, nil
	}
	if g == nil || g.cipher == nil {
		return packet.Packet{}, &CryptoError{Op: "decrypt", Type: p.Type, Err: ErrNoCipher}
	}

	opened, err := g.cipher.Decrypt(p)
	if err != nil {
		return packet.Packet{}, &CryptoError{Op: "decrypt", Type: p.Type, Err: err}
	}
	if opened.Secure() {
		return packet.Packet{}, &CryptoError{Op: "decrypt", Type: p.Type, Err: errors.New("cipher left the security tag in place")}
	}
	return opened, nil
}

// Frame encodes p into a wire frame, sealing it first when secure is set.
func (g *Gate) Frame(p packet.Packet, secure bool) ([]byte, error) {
	if secure {
		var err error
		if p, err = g.Seal(p); err != nil {
			return nil, err
		}
	}
	return packet.Encode(p)
}

// Unframe decodes a wire frame and opens the resulting packet.
func (g *Gate) Unframe(frame []byte) (packet.Packet, error) {
	p, err := packet.Decode(frame)
	if err != nil {
		return packet.Packet{}, err
	}
	return g.Open(p)
}

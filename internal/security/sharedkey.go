package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/Tox/tcpplus/internal/packet"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SharedKeyTag is the security tag set on packets sealed by SharedKeyCipher.
	SharedKeyTag = "xchacha20poly1305"

	hkdfInfo = "tcpplus-packet-v1"
)

var (
	ErrEmptySecret   = errors.New("empty secret")
	ErrUnknownTag    = errors.New("unknown security tag")
	ErrDecryptFailed = errors.New("authentication failed")
)

// SharedKeyCipher encrypts payloads with XChaCha20-Poly1305 under a key
// derived from a secret shared by all peers. The packet type is authenticated
// but left in the clear so packets can still be routed.
//
// Sealed payload format: base64(nonce(24) || ciphertext+tag)
type SharedKeyCipher struct {
	aead cipher.AEAD
}

func NewSharedKeyCipher(secret []byte) (*SharedKeyCipher, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return &SharedKeyCipher{aead: aead}, nil
}

func (c *SharedKeyCipher) Encrypt(p packet.Packet) (packet.Packet, error) {
	if p.Secure() {
		return packet.Packet{}, fmt.Errorf("packet already sealed with %q", p.SecurityTag)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(p.Payload)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return packet.Packet{}, err
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(p.Payload), []byte(p.Type))
	return packet.Packet{
		Type:        p.Type,
		Payload:     base64.RawStdEncoding.EncodeToString(sealed),
		SecurityTag: SharedKeyTag,
	}, nil
}

func (c *SharedKeyCipher) Decrypt(p packet.Packet) (packet.Packet, error) {
	if p.SecurityTag != SharedKeyTag {
		return packet.Packet{}, fmt.Errorf("%w: %q", ErrUnknownTag, p.SecurityTag)
	}

	data, err := base64.RawStdEncoding.DecodeString(p.Payload)
	if err != nil {
		return packet.Packet{}, fmt.Errorf("decode payload: %w", err)
	}
	if len(data) < c.aead.NonceSize()+c.aead.Overhead() {
		return packet.Packet{}, ErrDecryptFailed
	}

	nonce, ct := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	pt, err := c.aead.Open(nil, nonce, ct, []byte(p.Type))
	if err != nil {
		return packet.Packet{}, ErrDecryptFailed
	}
	if !utf8.Valid(pt) {
		return packet.Packet{}, errors.New("decrypted payload is not valid utf-8")
	}

	return packet.New(p.Type, string(pt)), nil
}

package security

import (
	"errors"
	"testing"

	"github.com/Tox/tcpplus/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T, secret string) *Gate {
	c, err := NewSharedKeyCipher([]byte(secret))
	require.NoError(t, err)
	return NewGate(c)
}

func TestSealUnframeTransparent(t *testing.T) {
	gate := newGate(t, "correct horse battery staple")
	p := packet.New("JSON", `{"msg":"hello"}`)

	frame, err := gate.Frame(p, true)
	require.NoError(t, err)

	onWire, err := packet.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, SharedKeyTag, onWire.SecurityTag)
	assert.Equal(t, p.Type, onWire.Type)
	assert.NotEqual(t, p.Payload, onWire.Payload)

	got, err := gate.Unframe(frame)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.False(t, got.Secure())
}

func TestOpenPlaintextPassthrough(t *testing.T) {
	var gate *Gate
	p := packet.New("PING", "x")

	got, err := gate.Open(p)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestOpenWithoutCipher(t *testing.T) {
	sealed, err := newGate(t, "secret").Seal(packet.New("PING", "x"))
	require.NoError(t, err)

	_, err = NewGate(nil).Open(sealed)
	var cerr *CryptoError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrNoCipher)

	_, err = NewGate(nil).Seal(packet.New("PING", "x"))
	require.ErrorAs(t, err, &cerr)
}

func TestOpenWrongSecret(t *testing.T) {
	sealed, err := newGate(t, "alice").Seal(packet.New("PING", "x"))
	require.NoError(t, err)

	_, err = newGate(t, "mallory").Open(sealed)
	var cerr *CryptoError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, errors.Is(err, ErrDecryptFailed))
}

func TestOpenTamperedType(t *testing.T) {
	gate := newGate(t, "secret")
	sealed, err := gate.Seal(packet.New("PING", "x"))
	require.NoError(t, err)

	sealed.Type = "PONG"
	_, err = gate.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenUnknownTag(t *testing.T) {
	_, err := newGate(t, "secret").Open(packet.Packet{Type: "PING", Payload: "x", SecurityTag: "rot13"})
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	gate := newGate(t, "secret")
	p := packet.New("PING", "same")

	a, err := gate.Seal(p)
	require.NoError(t, err)
	b, err := gate.Seal(p)
	require.NoError(t, err)
	assert.NotEqual(t, a.Payload, b.Payload)
}

func TestEmptySecret(t *testing.T) {
	_, err := NewSharedKeyCipher(nil)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

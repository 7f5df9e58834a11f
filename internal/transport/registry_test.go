package transport

import (
	"context"
	"testing"

	"github.com/Tox/tcpplus/internal/packet"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Lookup("PING")
	assert.False(t, ok)

	var calls int
	reg.RegisterFunc("PING", func(context.Context, packet.Packet, *Conn, Owner) error {
		calls++
		return nil
	})
	reg.RegisterFunc("ECHO", func(context.Context, packet.Packet, *Conn, Owner) error {
		return nil
	})

	h, ok := reg.Lookup("PING")
	assert.True(t, ok)
	assert.NoError(t, h.Execute(ctx, packet.New("PING", ""), nil, nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"ECHO", "PING"}, reg.Types())
}

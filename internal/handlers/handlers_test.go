package handlers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Tox/tcpplus/internal/netif"
	"github.com/Tox/tcpplus/internal/packet"
	"github.com/Tox/tcpplus/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctx      = context.Background()
	logger   = slog.New(slog.NewTextHandler(io.Discard, nil))
	loopback = netip.MustParseAddr("127.0.0.1")
)

func setup(t *testing.T) (*transport.Server, *transport.Client) {
	t.Helper()

	serverReg := transport.NewRegistry()
	RegisterServer(serverReg, logger)
	srv := transport.NewServer(transport.ServerOptions{
		Handlers:   serverReg,
		Interfaces: netif.StaticSource{{Name: "lo", Up: true, Addrs: []netip.Addr{loopback}}},
	})
	require.NoError(t, srv.StartAddr(loopback, 0))
	t.Cleanup(srv.Stop)

	port := srv.Listeners()[0].BoundAddr().(*net.TCPAddr).Port
	clientReg := transport.NewRegistry()
	RegisterClient(clientReg, logger)
	c := transport.NewClient(transport.ClientOptions{Handlers: clientReg})
	require.NoError(t, c.Connect(ctx, loopback.String(), port))
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func TestPingEcho(t *testing.T) {
	_, c := setup(t)

	reply, err := c.WritePacketAndReceive(ctx, packet.New(TypePing, "abc"), TypePong, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", reply.Payload)

	reply, err = c.WritePacketAndReceive(ctx, packet.New(TypeEcho, "def"), TypeEchoReply, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "def", reply.Payload)
}

func TestTime(t *testing.T) {
	_, c := setup(t)

	reply, err := c.WritePacketAndReceive(ctx, packet.New(TypeTime, ""), TypeTimeReply, 5*time.Second)
	require.NoError(t, err)
	ts, err := time.Parse(time.RFC3339Nano, reply.Payload)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestBroadcastRelaysToSender(t *testing.T) {
	_, c := setup(t)

	reply, err := c.WritePacketAndReceive(ctx, packet.New(TypeBroadcast, "to everyone"), TypeMessage, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "to everyone", reply.Payload)
}

func TestBroadcastNeedsServer(t *testing.T) {
	reg := transport.NewRegistry()
	RegisterServer(reg, logger)
	h, ok := reg.Lookup(TypeBroadcast)
	require.True(t, ok)

	err := h.Execute(ctx, packet.New(TypeBroadcast, ""), nil, transport.NewClient(transport.ClientOptions{}))
	assert.ErrorIs(t, err, ErrNotServer)
}

func TestInitLogsClient(t *testing.T) {
	srv, _ := setup(t)

	var buf safeBuffer
	reg := transport.NewRegistry()
	RegisterServer(reg, slog.New(slog.NewTextHandler(&buf, nil)))
	h, ok := reg.Lookup(TypeInit)
	require.True(t, ok)
	require.Eventually(t, func() bool { return srv.ConnectedCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	conn := srv.Peers()[0]
	require.NoError(t, h.Execute(ctx, packet.New(TypeInit, "tcpplus test"), conn, srv))
	assert.Contains(t, buf.String(), "client=\"tcpplus test\"")
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Tox/tcpplus/internal/netif"
	"github.com/Tox/tcpplus/internal/packet"
	"github.com/Tox/tcpplus/internal/security"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctx      = context.Background()
	loopback = netip.MustParseAddr("127.0.0.1")

	loopbackIfaces = netif.StaticSource{
		{Name: "lo", Up: true, Addrs: []netip.Addr{loopback}},
	}
)

const waitFor = 5 * time.Second

func startServer(t *testing.T, opts ServerOptions) (*Server, int) {
	t.Helper()

	if opts.Interfaces == nil {
		opts.Interfaces = loopbackIfaces
	}
	srv := NewServer(opts)
	require.NoError(t, srv.StartAddr(loopback, 0))
	t.Cleanup(srv.Stop)

	port := srv.Listeners()[0].BoundAddr().(*net.TCPAddr).Port
	return srv, port
}

func connectClient(t *testing.T, port int, opts ClientOptions) *Client {
	t.Helper()

	c := NewClient(opts)
	require.NoError(t, c.Connect(ctx, loopback.String(), port))
	t.Cleanup(func() { c.Close() })
	return c
}

func pingRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterFunc("PING", func(ctx context.Context, p packet.Packet, conn *Conn, owner Owner) error {
		return owner.Send(conn, packet.New("PONG", p.Payload), false)
	})
	return reg
}

func newCipher(t *testing.T, secret string) security.Cipher {
	c, err := security.NewSharedKeyCipher([]byte(secret))
	require.NoError(t, err)
	return c
}

// failingListen only binds loopback addresses.
func failingListen(ctx context.Context, network, address string) (net.Listener, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if host != loopback.String() {
		return nil, syscall.EADDRINUSE
	}

	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}

func threeIfaces() netif.StaticSource {
	return netif.StaticSource{
		{Name: "eth0", Up: true, Gateway: true, Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.5")}},
		{Name: "eth1", Up: true, Addrs: []netip.Addr{netip.MustParseAddr("192.168.7.7")}},
		{Name: "lo", Up: true, Addrs: []netip.Addr{loopback}},
	}
}

func TestStartIgnoresPartialBindFailure(t *testing.T) {
	srv := NewServer(ServerOptions{Interfaces: threeIfaces(), Listen: failingListen})
	defer srv.Stop()

	require.NoError(t, srv.Start(0, BindIgnoreConflicts))
	assert.True(t, srv.IsStarted())
	require.Len(t, srv.Listeners(), 1)
	assert.Equal(t, loopback, srv.Listeners()[0].Addr().Addr())
	assert.Equal(t, []netip.Addr{loopback}, srv.ListeningAddrs())
}

func TestStartStrictRollsBack(t *testing.T) {
	var bound []net.Listener
	listen := func(ctx context.Context, network, address string) (net.Listener, error) {
		ln, err := failingListen(ctx, network, address)
		if err == nil {
			bound = append(bound, ln)
		}
		return ln, err
	}
	srv := NewServer(ServerOptions{Interfaces: threeIfaces(), Listen: listen})

	err := srv.Start(0, BindFailOnConflict)
	var partialErr *PartialBindError
	require.ErrorAs(t, err, &partialErr)
	assert.Len(t, partialErr.Failed, 2)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)

	assert.False(t, srv.IsStarted())
	assert.Empty(t, srv.Listeners())

	// the one listener that did bind has been closed again
	require.Len(t, bound, 1)
	_, err = bound[0].Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestStartFamilyFilter(t *testing.T) {
	ifaces := netif.StaticSource{
		{Name: "lo", Up: true, Addrs: []netip.Addr{netip.MustParseAddr("::1"), loopback}},
	}
	var attempted []string
	var mu sync.Mutex
	listen := func(ctx context.Context, network, address string) (net.Listener, error) {
		mu.Lock()
		attempted = append(attempted, address)
		mu.Unlock()
		return failingListen(ctx, network, address)
	}

	srv := NewServer(ServerOptions{Interfaces: ifaces, Listen: listen})
	defer srv.Stop()

	require.NoError(t, srv.StartFamily(0, FamilyIPv4, BindFailOnConflict))
	assert.Equal(t, []string{"127.0.0.1:0"}, attempted)
}

func TestStartOccupiedEverywhere(t *testing.T) {
	listen := func(ctx context.Context, network, address string) (net.Listener, error) {
		return nil, syscall.EADDRINUSE
	}
	srv := NewServer(ServerOptions{Interfaces: threeIfaces(), Listen: listen})

	err := srv.Start(33445, BindIgnoreConflicts)
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
	assert.False(t, srv.IsStarted())

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
}

func TestStartAddrPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(ServerOptions{Interfaces: loopbackIfaces})
	defer srv.Stop()

	err = srv.StartAddr(loopback, ln.Addr().(*net.TCPAddr).Port)
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.False(t, srv.IsStarted())
}

func TestStopIdempotent(t *testing.T) {
	srv := NewServer(ServerOptions{Interfaces: loopbackIfaces})
	srv.Stop()

	require.NoError(t, srv.StartAddr(loopback, 0))
	l := srv.Listeners()[0]
	assert.Equal(t, ListenerAccepting, l.State())

	srv.Stop()
	srv.Stop()
	assert.Equal(t, ListenerInactive, l.State())
	assert.False(t, srv.IsStarted())
}

func TestStopClosesConnections(t *testing.T) {
	disconnected := make(chan struct{})
	srv, port := startServer(t, ServerOptions{})
	connectClient(t, port, ClientOptions{
		OnDisconnect: func(*Conn) { close(disconnected) },
	})
	require.Eventually(t, func() bool { return srv.ConnectedCount() == 1 }, waitFor, 10*time.Millisecond)

	srv.Stop()
	select {
	case <-disconnected:
	case <-time.After(waitFor):
		t.Fatal("client was not disconnected by server stop")
	}
	assert.Zero(t, srv.ConnectedCount())
}

func TestDisconnectCleanup(t *testing.T) {
	var mu sync.Mutex
	disconnects := make(map[uuid.UUID]int)
	srv, port := startServer(t, ServerOptions{
		OnDisconnect: func(conn *Conn) {
			mu.Lock()
			disconnects[conn.ID()]++
			mu.Unlock()
		},
	})

	received := make(chan packet.Packet, 4)
	reg := NewRegistry()
	reg.RegisterFunc("MESSAGE", func(ctx context.Context, p packet.Packet, conn *Conn, owner Owner) error {
		received <- p
		return nil
	})

	first := connectClient(t, port, ClientOptions{})
	connectClient(t, port, ClientOptions{Handlers: reg})
	require.Eventually(t, func() bool { return srv.ConnectedCount() == 2 }, waitFor, 10*time.Millisecond)

	// server side id of the first client
	var firstID uuid.UUID
	for _, peer := range srv.Peers() {
		if peer.RemoteAddr().String() == first.Conn().LocalAddr().String() {
			firstID = peer.ID()
		}
	}
	require.NotEqual(t, uuid.Nil, firstID)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return srv.ConnectedCount() == 1 }, waitFor, 10*time.Millisecond)
	for _, peer := range srv.Peers() {
		assert.NotEqual(t, firstID, peer.ID())
	}

	require.NoError(t, srv.Broadcast(packet.New("MESSAGE", "hello"), false))
	select {
	case p := <-received:
		assert.Equal(t, "hello", p.Payload)
	case <-time.After(waitFor):
		t.Fatal("broadcast not received")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, disconnects[firstID])
	assert.Len(t, disconnects, 1)
}

func TestSecureBroadcast(t *testing.T) {
	cipher := newCipher(t, "shared")
	srv, port := startServer(t, ServerOptions{Cipher: cipher})

	received := make(chan packet.Packet, 1)
	reg := NewRegistry()
	reg.RegisterFunc("NEWS", func(ctx context.Context, p packet.Packet, conn *Conn, owner Owner) error {
		received <- p
		return nil
	})
	connectClient(t, port, ClientOptions{Handlers: reg, Cipher: cipher})
	require.Eventually(t, func() bool { return srv.ConnectedCount() == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, srv.Broadcast(packet.New("NEWS", "extra"), true))
	select {
	case p := <-received:
		assert.Equal(t, packet.New("NEWS", "extra"), p)
	case <-time.After(waitFor):
		t.Fatal("broadcast not received")
	}
}

func TestDispatchDecryptsBeforeHandler(t *testing.T) {
	cipher := newCipher(t, "shared")
	received := make(chan packet.Packet, 1)
	reg := NewRegistry()
	reg.RegisterFunc("SECRET", func(ctx context.Context, p packet.Packet, conn *Conn, owner Owner) error {
		received <- p
		return nil
	})
	_, port := startServer(t, ServerOptions{Handlers: reg, Cipher: cipher})

	c := connectClient(t, port, ClientOptions{Cipher: cipher})
	require.NoError(t, c.WriteSecurePacket(packet.New("SECRET", "plaintext")))

	select {
	case p := <-received:
		assert.Equal(t, packet.New("SECRET", "plaintext"), p)
		assert.False(t, p.Secure())
	case <-time.After(waitFor):
		t.Fatal("packet not dispatched")
	}
}

func TestDispatchHandlerMiss(t *testing.T) {
	var packets int
	var mu sync.Mutex
	srv := NewServer(ServerOptions{
		Handlers: NewRegistry(),
		OnPacket: func(packet.Packet, *Conn) {
			mu.Lock()
			packets++
			mu.Unlock()
		},
	})

	a, b := net.Pipe()
	defer b.Close()
	conn := newConn(a, Inbound)
	defer conn.Close()

	frame, err := packet.Encode(packet.New("UNKNOWN", "payload"))
	require.NoError(t, err)
	assert.NoError(t, srv.Dispatch(ctx, frame, conn))
	assert.False(t, conn.Closed())
	assert.Zero(t, conn.PacketsOut())
	assert.Equal(t, 1, packets)
}

func TestSecurePacketWithoutCipherDropsConnection(t *testing.T) {
	disconnected := make(chan struct{})
	srv, port := startServer(t, ServerOptions{Handlers: pingRegistry()})

	c := connectClient(t, port, ClientOptions{
		Cipher:       newCipher(t, "client only"),
		OnDisconnect: func(*Conn) { close(disconnected) },
	})
	require.NoError(t, c.WriteSecurePacket(packet.New("PING", "x")))

	select {
	case <-disconnected:
	case <-time.After(waitFor):
		t.Fatal("connection with undecryptable packet was not dropped")
	}
	require.Eventually(t, func() bool { return srv.ConnectedCount() == 0 }, waitFor, 10*time.Millisecond)
	assert.True(t, srv.IsStarted())
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	srv, port := startServer(t, ServerOptions{})

	nc, err := net.Dial("tcp", net.JoinHostPort(loopback.String(), strconv.Itoa(port)))
	require.NoError(t, err)
	defer nc.Close()
	require.Eventually(t, func() bool { return srv.ConnectedCount() == 1 }, waitFor, 10*time.Millisecond)

	// empty packet type
	_, err = nc.Write([]byte{0, 0, 0, 4, 0, 0, 0, 0})
	require.NoError(t, err)

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = nc.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET), "unexpected error: %v", err)
	require.Eventually(t, func() bool { return srv.ConnectedCount() == 0 }, waitFor, 10*time.Millisecond)
}

func TestServerOrdersFramesPerConnection(t *testing.T) {
	const n = 200
	got := make(chan string, n)
	reg := NewRegistry()
	reg.RegisterFunc("SEQ", func(ctx context.Context, p packet.Packet, conn *Conn, owner Owner) error {
		got <- p.Payload
		return nil
	})
	_, port := startServer(t, ServerOptions{Handlers: reg})
	c := connectClient(t, port, ClientOptions{})

	for i := 0; i < n; i++ {
		require.NoError(t, c.WritePacket(packet.New("SEQ", strconv.Itoa(i))))
	}
	for i := 0; i < n; i++ {
		select {
		case p := <-got:
			require.Equal(t, strconv.Itoa(i), p)
		case <-time.After(waitFor):
			t.Fatalf("missing packet %d", i)
		}
	}
}

func TestLocalAddressesRanked(t *testing.T) {
	ifaces := netif.StaticSource{
		{Name: "eth1", Up: true, Addrs: []netip.Addr{netip.MustParseAddr("169.254.1.1")}},
		{Name: "lo", Up: true, Addrs: []netip.Addr{loopback}},
		{Name: "eth0", Up: true, Gateway: true, Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.5")}},
	}
	srv := NewServer(ServerOptions{Interfaces: ifaces})

	addrs, err := srv.LocalAddresses()
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.5"),
		loopback,
		netip.MustParseAddr("169.254.1.1"),
	}, addrs)
}

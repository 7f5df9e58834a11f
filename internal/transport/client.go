package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Tox/tcpplus/internal/packet"
	"github.com/Tox/tcpplus/internal/security"
)

type ClientOptions struct {
	Logger   *slog.Logger
	Handlers HandlerLookup
	Cipher   security.Cipher
	// Secure seals every packet written with WritePacket and
	// WritePacketAndReceive.
	Secure bool
	Dialer *net.Dialer

	OnConnect    func(conn *Conn)
	OnDisconnect func(conn *Conn)
	// OnPacket is called for every packet received, replies included.
	OnPacket func(p packet.Packet, conn *Conn)
}

type reply struct {
	p   packet.Packet
	err error
}

// Client maintains a single outbound connection. Packets it receives are
// either handed to a caller blocked in WritePacketAndReceive or dispatched to
// handlers.
//
// Replies are matched on packet type alone, since packets carry no request
// id. Only one caller may wait for a given type at a time, and an unsolicited
// packet of that type arriving while someone waits is taken as the reply.
type Client struct {
	opts   ClientOptions
	logger *slog.Logger
	dialer *net.Dialer
	dispatcher

	mu      sync.Mutex
	conn    *Conn
	waiters map[string]chan reply

	wg sync.WaitGroup
}

func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	return &Client{
		opts:       opts,
		logger:     opts.Logger,
		dialer:     dialer,
		dispatcher: newDispatcher(opts.Logger, opts.Handlers, opts.Cipher, opts.OnPacket),
		waiters:    make(map[string]chan reply),
	}
}

// Connect dials host:port. On failure the client stays disconnected and may
// be connected again; retrying is up to the caller.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	if c.Connected() {
		return ErrAlreadyConnected
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nc, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	conn := newConn(nc, Outbound)
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		nc.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Connected to server",
		slog.String("conn_id", conn.ID().String()),
		slog.String("remote_addr", addr))
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(conn)
	}

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) Connected() bool {
	return c.Conn() != nil
}

// Conn returns the live connection, or nil.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// Close closes the connection and waits for its read loop to exit. It's safe
// to call in any state.
func (c *Client) Close() error {
	var err error
	if conn := c.Conn(); conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

// WritePacket writes p to the server.
func (c *Client) WritePacket(p packet.Packet) error {
	return c.write(p, c.opts.Secure)
}

// WriteSecurePacket seals p and writes it to the server.
func (c *Client) WriteSecurePacket(p packet.Packet) error {
	return c.write(p, true)
}

func (c *Client) write(p packet.Packet, secure bool) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return c.send(conn, p, secure)
}

// Send writes p to conn, sealing it first if secure is set.
func (c *Client) Send(conn *Conn, p packet.Packet, secure bool) error {
	return c.send(conn, p, secure)
}

// WritePacketAndReceive writes p and blocks until a packet of type
// expectedType arrives, timeout elapses, ctx is done or the connection is
// lost. A timeout of zero or less waits on ctx alone.
func (c *Client) WritePacketAndReceive(ctx context.Context, p packet.Packet, expectedType string, timeout time.Duration) (packet.Packet, error) {
	ch := make(chan reply, 1)

	// the waiter is in place before the packet leaves, so the read loop
	// can't see the reply first
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return packet.Packet{}, ErrNotConnected
	}
	if _, ok := c.waiters[expectedType]; ok {
		c.mu.Unlock()
		return packet.Packet{}, fmt.Errorf("%w: %s", ErrDuplicateWait, expectedType)
	}
	c.waiters[expectedType] = ch
	c.mu.Unlock()

	if err := c.send(conn, p, c.opts.Secure); err != nil {
		c.removeWaiter(expectedType, ch)
		return packet.Packet{}, err
	}

	var timeoutChan <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutChan = timer.C
	}

	select {
	case r := <-ch:
		return r.p, r.err
	case <-timeoutChan:
		return c.abandonWait(expectedType, ch, fmt.Errorf("%w: %s after %s", ErrReplyTimeout, expectedType, timeout))
	case <-ctx.Done():
		return c.abandonWait(expectedType, ch, ctx.Err())
	}
}

func (c *Client) removeWaiter(packetType string, ch chan reply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.waiters[packetType] != ch {
		return false
	}
	delete(c.waiters, packetType)
	return true
}

// abandonWait removes the waiter and returns err. If the read loop took the
// waiter first, its reply is already on the way and is returned instead.
func (c *Client) abandonWait(packetType string, ch chan reply, err error) (packet.Packet, error) {
	if c.removeWaiter(packetType, ch) {
		return packet.Packet{}, err
	}

	r := <-ch
	return r.p, r.err
}

// deliver hands p to the caller waiting for its type, if any.
func (c *Client) deliver(p packet.Packet) bool {
	c.mu.Lock()
	ch, ok := c.waiters[p.Type]
	if ok {
		delete(c.waiters, p.Type)
	}
	c.mu.Unlock()

	if ok {
		ch <- reply{p: p}
	}
	return ok
}

func (c *Client) readLoop(conn *Conn) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer c.teardown(conn)

	logger := c.logger.With(slog.String("conn_id", conn.ID().String()))
	fr := newFrameReader(conn)
	for {
		frame, err := fr.next()
		if err != nil {
			if !isClosedErr(err) {
				logger.Warn("Unable to read frame", slog.Any("err", err))
			}
			return
		}

		if err := c.dispatch(ctx, frame, conn, c, c.deliver); err != nil {
			logger.Warn("Dropping connection", slog.Any("err", err))
			return
		}
	}
}

// teardown forgets conn and fails every caller still waiting on it.
func (c *Client) teardown(conn *Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.waiters
	c.waiters = make(map[string]chan reply)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- reply{err: ErrNotConnected}
	}

	c.logger.Info("Disconnected from server",
		slog.String("conn_id", conn.ID().String()),
		slog.Uint64("packets_in", conn.PacketsIn()),
		slog.Uint64("packets_out", conn.PacketsOut()))
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(conn)
	}
}

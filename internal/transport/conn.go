package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tox/tcpplus/internal/packet"
	"github.com/google/uuid"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Conn is a single live peer connection. Frames written through it are never
// interleaved, and nothing is written once it has been closed.
type Conn struct {
	id        uuid.UUID
	nc        net.Conn
	direction Direction
	openedAt  time.Time

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
}

func newConn(nc net.Conn, direction Direction) *Conn {
	return &Conn{
		id:        uuid.New(),
		nc:        nc,
		direction: direction,
		openedAt:  time.Now(),
	}
}

func (c *Conn) ID() uuid.UUID {
	return c.id
}

func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *Conn) Direction() Direction {
	return c.direction
}

func (c *Conn) OpenedAt() time.Time {
	return c.openedAt
}

// PacketsIn returns the number of frames read from the connection.
func (c *Conn) PacketsIn() uint64 {
	return c.packetsIn.Load()
}

// PacketsOut returns the number of frames written to the connection.
func (c *Conn) PacketsOut() uint64 {
	return c.packetsOut.Load()
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// WriteFrame writes an encoded frame in one piece.
func (c *Conn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	if _, err := c.nc.Write(frame); err != nil {
		return err
	}

	c.packetsOut.Add(1)
	return nil
}

// WritePacket encodes p as plaintext and writes it.
func (c *Conn) WritePacket(p packet.Packet) error {
	frame, err := packet.Encode(p)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// Close closes the underlying socket. It does not wait for a blocked writer,
// closing the socket is what unblocks it.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) String() string {
	return c.id.String() + " " + c.nc.RemoteAddr().String()
}

// frameReader reads consecutive frames off the connection.
type frameReader struct {
	conn *Conn
	r    *bufio.Reader
}

func newFrameReader(c *Conn) *frameReader {
	return &frameReader{conn: c, r: bufio.NewReader(c.nc)}
}

func (fr *frameReader) next() ([]byte, error) {
	frame, err := packet.ReadFrame(fr.r)
	if err != nil {
		return nil, err
	}

	fr.conn.packetsIn.Add(1)
	return frame, nil
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

type ListenerState int32

const (
	ListenerCreated ListenerState = iota
	ListenerBound
	ListenerAccepting
	ListenerStopRequested
	ListenerInactive
)

func (s ListenerState) String() string {
	switch s {
	case ListenerCreated:
		return "created"
	case ListenerBound:
		return "bound"
	case ListenerAccepting:
		return "accepting"
	case ListenerStopRequested:
		return "stop requested"
	case ListenerInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = 1 * time.Second
)

// Listener owns one bound socket and the connections accepted on it.
type Listener struct {
	srv    *Server
	addr   netip.AddrPort
	logger *slog.Logger

	ln       net.Listener
	state    atomic.Int32
	stopping atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	peers map[uuid.UUID]*Conn

	wg   sync.WaitGroup
	done chan struct{}
}

func newListener(srv *Server, addr netip.AddrPort) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		srv:    srv,
		addr:   addr,
		logger: srv.logger.With(slog.String("addr", addr.String())),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[uuid.UUID]*Conn),
		done:   make(chan struct{}),
	}
}

func (l *Listener) bind() error {
	ln, err := l.srv.listen(l.ctx, "tcp", l.addr.String())
	if err != nil {
		l.cancel()
		l.state.Store(int32(ListenerInactive))
		close(l.done)
		return &BindError{Addr: l.addr, Err: err}
	}

	l.ln = ln
	l.state.Store(int32(ListenerBound))
	return nil
}

func (l *Listener) serve() {
	l.state.Store(int32(ListenerAccepting))
	l.logger.Info("Accepting connections", slog.String("local_addr", l.ln.Addr().String()))

	l.wg.Add(1)
	go l.acceptLoop()

	go func() {
		l.wg.Wait()
		l.state.Store(int32(ListenerInactive))
		close(l.done)
	}()
}

// Addr returns the address the listener was asked to bind.
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// BoundAddr returns the address actually bound, which differs from Addr when
// port 0 was requested.
func (l *Listener) BoundAddr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Active reports whether the listener or any of its connections still have
// goroutines running.
func (l *Listener) Active() bool {
	return l.State() != ListenerInactive
}

// Stop asks the accept loop and all read loops to exit and closes every socket
// they could be blocked on. It does not wait; see Wait.
func (l *Listener) Stop() {
	if !l.stopping.CompareAndSwap(false, true) {
		return
	}
	l.state.CompareAndSwap(int32(ListenerAccepting), int32(ListenerStopRequested))

	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}

	for _, conn := range l.Peers() {
		conn.Close()
	}
}

// Wait blocks until the listener is inactive.
func (l *Listener) Wait() {
	<-l.done
}

// Peers returns a snapshot of the connected peers.
func (l *Listener) Peers() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()

	return maps.Values(l.peers)
}

func (l *Listener) PeerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.peers)
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	var backoff time.Duration
	for !l.stopping.Load() {
		nc, err := l.ln.Accept()
		if err != nil {
			if l.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			l.logger.Warn("Unable to accept connection", slog.Duration("retry_in", backoff), slog.Any("err", err))

			select {
			case <-l.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		conn := newConn(nc, Inbound)
		if !l.addPeer(conn) {
			conn.Close()
			return
		}

		l.logger.Info("Client connected",
			slog.String("conn_id", conn.ID().String()),
			slog.String("remote_addr", conn.RemoteAddr().String()))
		l.srv.notifyConnect(conn)

		l.wg.Add(1)
		go l.readLoop(conn)
	}
}

// addPeer registers conn unless a stop was requested in the meantime, so that
// Stop never misses a connection it needs to close.
func (l *Listener) addPeer(conn *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopping.Load() {
		return false
	}
	l.peers[conn.ID()] = conn
	return true
}

func (l *Listener) readLoop(conn *Conn) {
	defer l.wg.Done()
	defer l.dropPeer(conn)

	logger := l.logger.With(slog.String("conn_id", conn.ID().String()))
	fr := newFrameReader(conn)
	for !l.stopping.Load() {
		frame, err := fr.next()
		if err != nil {
			if !isClosedErr(err) && !l.stopping.Load() {
				logger.Warn("Unable to read frame", slog.Any("err", err))
			}
			return
		}

		if err := l.srv.Dispatch(l.ctx, frame, conn); err != nil {
			logger.Warn("Dropping connection", slog.Any("err", err))
			return
		}
	}
}

func (l *Listener) dropPeer(conn *Conn) {
	l.mu.Lock()
	delete(l.peers, conn.ID())
	l.mu.Unlock()

	conn.Close()

	l.logger.Info("Client disconnected",
		slog.String("conn_id", conn.ID().String()),
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.Uint64("packets_in", conn.PacketsIn()),
		slog.Uint64("packets_out", conn.PacketsOut()))
	l.srv.notifyDisconnect(conn)
}

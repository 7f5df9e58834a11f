package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/Tox/tcpplus/internal/netif"
	"github.com/Tox/tcpplus/internal/packet"
	"github.com/Tox/tcpplus/internal/security"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// BindPolicy decides what Start does when some addresses can't be bound.
type BindPolicy int

const (
	// BindIgnoreConflicts keeps whatever subset of addresses could be bound.
	BindIgnoreConflicts BindPolicy = iota
	// BindFailOnConflict rolls back and fails if any address could not be bound.
	BindFailOnConflict
)

type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) Matches(addr netip.Addr) bool {
	switch f {
	case FamilyIPv4:
		return addr.Is4()
	case FamilyIPv6:
		return addr.Is6()
	default:
		return true
	}
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "any"
	}
}

const defaultBroadcastWorkers = 16

type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

type ServerOptions struct {
	Logger   *slog.Logger
	Handlers HandlerLookup
	// Cipher is used to open packets with a security tag and to seal secure
	// sends. Without one, secure packets tear down the connection they
	// arrived on.
	Cipher     security.Cipher
	Interfaces netif.Source
	Listen     ListenFunc

	// BroadcastWorkers bounds the number of concurrent writes per broadcast.
	BroadcastWorkers int

	OnConnect    func(conn *Conn)
	OnDisconnect func(conn *Conn)
	// OnPacket is called for every packet received, after decryption and
	// before handler lookup.
	OnPacket func(p packet.Packet, conn *Conn)
}

// Server accepts peer connections on any number of local addresses and
// dispatches the packets they send to handlers.
type Server struct {
	opts   ServerOptions
	logger *slog.Logger
	listen ListenFunc
	dispatcher

	mu        sync.Mutex
	listeners []*Listener
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Interfaces == nil {
		opts.Interfaces = netif.SystemSource{}
	}
	if opts.Listen == nil {
		var lc net.ListenConfig
		opts.Listen = lc.Listen
	}
	if opts.BroadcastWorkers <= 0 {
		opts.BroadcastWorkers = defaultBroadcastWorkers
	}

	return &Server{
		opts:       opts,
		logger:     opts.Logger,
		listen:     opts.Listen,
		dispatcher: newDispatcher(opts.Logger, opts.Handlers, opts.Cipher, opts.OnPacket),
	}
}

// RankedAddresses returns the unicast addresses of all operational interfaces
// with their ranking scores, most preferred first.
func (s *Server) RankedAddresses() ([]netif.RankedAddress, error) {
	ifaces, err := s.opts.Interfaces.Interfaces()
	if err != nil {
		return nil, err
	}
	return netif.Rank(ifaces), nil
}

// LocalAddresses returns the unicast addresses of all operational interfaces,
// most preferred first.
func (s *Server) LocalAddresses() ([]netip.Addr, error) {
	ranked, err := s.RankedAddresses()
	if err != nil {
		return nil, err
	}
	return netif.Addrs(ranked), nil
}

// Start binds port on every local address.
func (s *Server) Start(port int, policy BindPolicy) error {
	return s.StartFamily(port, FamilyAny, policy)
}

// StartFamily binds port on every local address of the given family, in
// ranking order. An address that fails to bind doesn't stop the others from
// being tried.
func (s *Server) StartFamily(port int, family Family, policy BindPolicy) error {
	ranked, err := s.RankedAddresses()
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}

	var failed []*BindError
	for _, r := range ranked {
		if !family.Matches(r.Addr) {
			continue
		}

		if err := s.StartAddr(r.Addr, port); err != nil {
			var bindErr *BindError
			if !errors.As(err, &bindErr) {
				return err
			}

			s.logger.Debug("Unable to bind address",
				slog.String("addr", bindErr.Addr.String()),
				slog.Int("score", r.Score),
				slog.Any("err", bindErr.Err))
			failed = append(failed, bindErr)
		}
	}

	if !s.IsStarted() {
		errs := make([]error, len(failed))
		for i, f := range failed {
			errs[i] = f
		}
		return &StartupError{Port: port, Err: errors.Join(errs...)}
	}

	if len(failed) > 0 && policy == BindFailOnConflict {
		s.Stop()
		return &PartialBindError{Port: port, Failed: failed}
	}

	for _, f := range failed {
		s.logger.Warn("Port occupied, skipping address", slog.String("addr", f.Addr.String()), slog.Any("err", f.Err))
	}
	return nil
}

// StartAddr binds a single listener on addr.
func (s *Server) StartAddr(addr netip.Addr, port int) error {
	if port < 0 || port > 0xffff {
		return fmt.Errorf("invalid port: %d", port)
	}

	l := newListener(s, netip.AddrPortFrom(addr, uint16(port)))
	if err := l.bind(); err != nil {
		return err
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	l.serve()
	return nil
}

// Stop stops every listener and blocks until all of them are inactive. It is
// safe to call at any time, but not from within a handler, since it waits
// for the read loop running that handler.
func (s *Server) Stop() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Stop()
	}
	for _, l := range listeners {
		l.Wait()
	}

	if len(listeners) > 0 {
		s.logger.Info("Server stopped", slog.Int("listeners", len(listeners)))
	}
}

// Listeners returns a snapshot of the current listeners.
func (s *Server) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Listener(nil), s.listeners...)
}

// IsStarted reports whether any listener is active.
func (s *Server) IsStarted() bool {
	for _, l := range s.Listeners() {
		if l.Active() {
			return true
		}
	}
	return false
}

// ListeningAddrs returns the distinct addresses listeners are bound to, most
// preferred first.
func (s *Server) ListeningAddrs() []netip.Addr {
	var addrs []netip.Addr
	seen := make(map[netip.Addr]struct{})
	for _, l := range s.Listeners() {
		addr := l.Addr().Addr()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}

	ifaces, err := s.opts.Interfaces.Interfaces()
	if err != nil {
		return addrs
	}
	slices.SortStableFunc(addrs, func(a, b netip.Addr) int {
		return netif.Score(b, ifaces) - netif.Score(a, ifaces)
	})
	return addrs
}

// Peers returns a snapshot of the connected peers across all listeners.
func (s *Server) Peers() []*Conn {
	var peers []*Conn
	for _, l := range s.Listeners() {
		peers = append(peers, l.Peers()...)
	}
	return peers
}

func (s *Server) ConnectedCount() int {
	var n int
	for _, l := range s.Listeners() {
		n += l.PeerCount()
	}
	return n
}

// Broadcast encodes p once and writes it to every connected peer. Peers that
// fail are reported in the returned error but left for their read loop to
// clean up.
func (s *Server) Broadcast(p packet.Packet, secure bool) error {
	frame, err := s.gate.Frame(p, secure)
	if err != nil {
		return err
	}
	return s.BroadcastRaw(frame)
}

// BroadcastRaw writes an encoded frame to every connected peer.
func (s *Server) BroadcastRaw(frame []byte) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.opts.BroadcastWorkers)

	for _, conn := range s.Peers() {
		conn := conn
		g.Go(func() error {
			if err := conn.WriteFrame(frame); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", conn, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

// Send writes p to conn, sealing it first if secure is set.
func (s *Server) Send(conn *Conn, p packet.Packet, secure bool) error {
	return s.send(conn, p, secure)
}

// Dispatch decodes a frame that arrived on conn, decrypts it if needed and
// runs the handler registered for its type. Packets without a handler are
// dropped. A non-nil error means conn can't be trusted anymore.
func (s *Server) Dispatch(ctx context.Context, frame []byte, conn *Conn) error {
	return s.dispatch(ctx, frame, conn, s, nil)
}

func (s *Server) notifyConnect(conn *Conn) {
	if s.opts.OnConnect != nil {
		s.opts.OnConnect(conn)
	}
}

func (s *Server) notifyDisconnect(conn *Conn) {
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(conn)
	}
}

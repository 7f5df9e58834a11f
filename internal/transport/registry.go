package transport

import (
	"context"
	"sync"

	"github.com/Tox/tcpplus/internal/packet"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Owner is the server or client a packet arrived on. Handlers use it to
// answer on the originating connection.
type Owner interface {
	Send(conn *Conn, p packet.Packet, secure bool) error
}

// Handler processes packets of one type. Packets reach it already decrypted.
type Handler interface {
	Execute(ctx context.Context, p packet.Packet, conn *Conn, owner Owner) error
}

type HandlerFunc func(ctx context.Context, p packet.Packet, conn *Conn, owner Owner) error

func (f HandlerFunc) Execute(ctx context.Context, p packet.Packet, conn *Conn, owner Owner) error {
	return f(ctx, p, conn, owner)
}

// HandlerLookup resolves a packet type to its handler.
type HandlerLookup interface {
	Lookup(packetType string) (Handler, bool)
}

// Registry is a HandlerLookup backed by a map. It's safe for concurrent use,
// but handlers are usually registered once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register sets the handler for packetType, replacing any previous one.
func (r *Registry) Register(packetType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[packetType] = h
}

func (r *Registry) RegisterFunc(packetType string, f HandlerFunc) {
	r.Register(packetType, f)
}

func (r *Registry) Lookup(packetType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[packetType]
	return h, ok
}

// Types returns the registered packet types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	types := maps.Keys(r.handlers)
	r.mu.RUnlock()

	slices.Sort(types)
	return types
}

type emptyLookup struct{}

func (emptyLookup) Lookup(string) (Handler, bool) {
	return nil, false
}

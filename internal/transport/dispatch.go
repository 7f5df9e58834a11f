// Package transport implements the tcpplus server and client: listeners bound
// to local addresses, per-connection read loops, packet dispatch to handlers
// and a blocking request/reply bridge on the client side.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/Tox/tcpplus/internal/packet"
	"github.com/Tox/tcpplus/internal/security"
)

type dispatcher struct {
	gate     *security.Gate
	handlers HandlerLookup
	logger   *slog.Logger
	onPacket func(packet.Packet, *Conn)
}

func newDispatcher(logger *slog.Logger, handlers HandlerLookup, cipher security.Cipher, onPacket func(packet.Packet, *Conn)) dispatcher {
	if handlers == nil {
		handlers = emptyLookup{}
	}
	return dispatcher{
		gate:     security.NewGate(cipher),
		handlers: handlers,
		logger:   logger,
		onPacket: onPacket,
	}
}

// dispatch decodes and opens a frame and hands the packet to intercept or,
// if intercept doesn't claim it, to the registered handler. The returned
// error is fatal to conn. Handler errors are not.
func (d *dispatcher) dispatch(ctx context.Context, frame []byte, conn *Conn, owner Owner, intercept func(packet.Packet) bool) error {
	p, err := d.gate.Unframe(frame)
	if err != nil {
		return err
	}

	if d.onPacket != nil {
		d.onPacket(p, conn)
	}

	if intercept != nil && intercept(p) {
		return nil
	}

	h, ok := d.handlers.Lookup(p.Type)
	if !ok {
		d.logger.Debug("Dropping packet without handler",
			slog.String("conn_id", conn.ID().String()),
			slog.String("packet_type", p.Type))
		return nil
	}

	if err := h.Execute(ctx, p, conn, owner); err != nil {
		d.logger.Error("Packet handler failed",
			slog.String("conn_id", conn.ID().String()),
			slog.String("packet_type", p.Type),
			slog.Any("err", err))
	}

	return nil
}

// send frames p for conn, sealing it first if requested.
func (d *dispatcher) send(conn *Conn, p packet.Packet, secure bool) error {
	frame, err := d.gate.Frame(p, secure)
	if err != nil {
		return err
	}
	return conn.WriteFrame(frame)
}

// isClosedErr reports whether err is the normal result of a peer hanging up
// or of us closing the socket.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Package handlers contains the packet handlers that tcpplus serve and send
// register out of the box.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Tox/tcpplus/internal/packet"
	"github.com/Tox/tcpplus/internal/transport"
)

const (
	TypePing      = "PING"
	TypePong      = "PONG"
	TypeEcho      = "ECHO"
	TypeEchoReply = "ECHO_REPLY"
	TypeBroadcast = "BROADCAST"
	TypeMessage   = "MESSAGE"
	TypeTime      = "TIME"
	TypeTimeReply = "TIME_REPLY"
	TypeInit      = "INIT"
)

var ErrNotServer = errors.New("packet can only be handled by a server")

// RegisterServer adds the server side handlers to reg.
func RegisterServer(reg *transport.Registry, logger *slog.Logger) {
	reg.RegisterFunc(TypePing, ping)
	reg.RegisterFunc(TypeEcho, echo)
	reg.RegisterFunc(TypeTime, now)
	reg.RegisterFunc(TypeBroadcast, broadcast(logger))
	reg.RegisterFunc(TypeInit, hello(logger))
}

// RegisterClient adds the client side handlers to reg.
func RegisterClient(reg *transport.Registry, logger *slog.Logger) {
	reg.RegisterFunc(TypePing, ping)
	reg.RegisterFunc(TypeMessage, message(logger))
}

func ping(ctx context.Context, p packet.Packet, conn *transport.Conn, owner transport.Owner) error {
	return owner.Send(conn, packet.New(TypePong, p.Payload), false)
}

func echo(ctx context.Context, p packet.Packet, conn *transport.Conn, owner transport.Owner) error {
	return owner.Send(conn, packet.New(TypeEchoReply, p.Payload), false)
}

func now(ctx context.Context, p packet.Packet, conn *transport.Conn, owner transport.Owner) error {
	return owner.Send(conn, packet.New(TypeTimeReply, time.Now().UTC().Format(time.RFC3339Nano)), false)
}

// broadcast relays the payload to every peer connected to the server,
// sender included.
func broadcast(logger *slog.Logger) transport.HandlerFunc {
	return func(ctx context.Context, p packet.Packet, conn *transport.Conn, owner transport.Owner) error {
		srv, ok := owner.(*transport.Server)
		if !ok {
			return ErrNotServer
		}

		logger.Info("Relaying broadcast",
			slog.String("conn_id", conn.ID().String()),
			slog.Int("peers", srv.ConnectedCount()))
		return srv.Broadcast(packet.New(TypeMessage, p.Payload), false)
	}
}

// hello logs the greeting a client sends right after connecting.
func hello(logger *slog.Logger) transport.HandlerFunc {
	return func(ctx context.Context, p packet.Packet, conn *transport.Conn, owner transport.Owner) error {
		logger.Info("Client said hello",
			slog.String("conn_id", conn.ID().String()),
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("client", p.Payload))
		return nil
	}
}

func message(logger *slog.Logger) transport.HandlerFunc {
	return func(ctx context.Context, p packet.Packet, conn *transport.Conn, owner transport.Owner) error {
		logger.Info("Message received",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("payload", p.Payload))
		return nil
	}
}

package models

import (
	"time"

	"github.com/google/uuid"
)

type Connection struct {
	ID         int64      `json:"-"`
	ConnID     uuid.UUID  `json:"conn_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at"`
	LocalAddr  string     `json:"local_addr"`
	RemoteAddr string     `json:"remote_addr"`
	Direction  string     `json:"direction"`
	PacketsIn  int64      `json:"packets_in"`
	PacketsOut int64      `json:"packets_out"`
}

func (c *Connection) Open() bool {
	return c.ClosedAt == nil
}

// Duration reports how long the connection was open, or has been open so
// far.
func (c *Connection) Duration() time.Duration {
	if c.ClosedAt != nil {
		return c.ClosedAt.Sub(c.CreatedAt)
	}
	return time.Since(c.CreatedAt)
}

package client

import (
	"context"
	"time"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/rchannel/connection"
)

type Client struct {
	self     plan.PeerID
	connPool *connectionPool
}

func New(self plan.PeerID) *Client {
	return &Client{
		self:     self,
		connPool: newConnectionPool(),
	}
}

func (c *Client) Ping(target plan.PeerID) (time.Duration, error) {
	t0 := time.Now()
	conn, err := connection.Open(target, c.self, connection.ConnPing, 0)
	if err != nil {
		return time.Since(t0), err
	}
	defer conn.Close()
	var empty connection.Message
	if err := conn.Send("ping", empty, connection.NoFlag); err != nil {
		return time.Since(t0), err
	}
	if err := conn.Read("ping", empty); err != nil {
		return time.Since(t0), err
	}
	return time.Since(t0), nil
}

// Wait blocks until the target peer is accessible or ctx is done.
func (c *Client) Wait(ctx context.Context, target plan.PeerID) bool {
	const period = 200 * time.Millisecond
	for {
		if _, err := c.Ping(target); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(period):
		}
	}
}

// Send sends data in buf to the given Addr.
func (c *Client) Send(a plan.Addr, buf []byte, t connection.ConnType, flags uint32) error {
	msg := connection.Message{
		Length: uint32(len(buf)),
		Data:   buf,
	}
	conn := c.connPool.get(a.Peer(), c.self, t)
	return conn.Send(a.Name, msg, flags)
}

func (c *Client) Close() {
	if err := c.connPool.closeAll(); err != nil {
		log.Warnf("%v", err)
	}
}

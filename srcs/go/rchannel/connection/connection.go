package connection

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/plan"
)

// Connection is a simplex logical connection from one peer to another.
type Connection interface {
	io.Closer

	Conn() net.Conn
	Type() ConnType
	Src() plan.PeerID
	Dest() plan.PeerID
	Send(name string, m Message, flags uint32) error
	Read(name string, m Message) error
}

// UpgradeFrom performs the server side operations to upgrade a TCP
// connection to a Connection.
func UpgradeFrom(conn net.Conn, self plan.PeerID, token uint32) (Connection, error) {
	var ch connectionHeader
	if err := ch.ReadFrom(conn); err != nil {
		return nil, err
	}
	ack := connectionACK{
		Token: token,
	}
	if err := ack.WriteTo(conn); err != nil {
		return nil, err
	}
	return &tcpConnection{
		src:      plan.PeerID{IPv4: ch.SrcIPv4, Port: ch.SrcPort},
		dest:     self,
		connType: ConnType(ch.Type),
		conn:     conn,
	}, nil
}

var errInvalidToken = errors.New("invalid token")

const (
	dialInitialInterval = 50 * time.Millisecond
	dialMaxElapsedTime  = 30 * time.Second
)

func Open(remote, local plan.PeerID, t ConnType, token uint32) (*tcpConnection, error) {
	conn := New(remote, local, t, token)
	if err := conn.initOnce(); err != nil {
		return nil, err
	}
	return conn, nil
}

func New(remote, local plan.PeerID, t ConnType, token uint32) *tcpConnection {
	init := func() (net.Conn, error) {
		conn, err := net.Dial("tcp", remote.String())
		if err != nil {
			return nil, err
		}
		h := connectionHeader{
			Type:    uint16(t),
			SrcIPv4: local.IPv4,
			SrcPort: local.Port,
		}
		if err := h.WriteTo(conn); err != nil {
			return nil, err
		}
		var ack connectionACK
		if err := ack.ReadFrom(conn); err != nil {
			return nil, err
		}
		if ack.Token != token {
			conn.Close()
			return nil, errInvalidToken
		}
		return conn, nil
	}
	return &tcpConnection{
		init:     init,
		src:      local,
		dest:     remote,
		connType: t,
	}
}

type tcpConnection struct {
	sync.Mutex
	src, dest plan.PeerID
	init      func() (net.Conn, error)
	conn      net.Conn
	connType  ConnType
}

func (c *tcpConnection) Conn() net.Conn {
	return c.conn
}

func (c *tcpConnection) Type() ConnType {
	return c.connType
}

func (c *tcpConnection) Src() plan.PeerID {
	return c.src
}

func (c *tcpConnection) Dest() plan.PeerID {
	return c.dest
}

// initOnce dials the remote peer, retrying with exponential backoff.
// Retrying here is safe: dialing precedes any collective traffic, so a
// slow-to-start peer cannot desynchronize the group.
func (c *tcpConnection) initOnce() error {
	c.Lock()
	defer c.Unlock()
	if c.conn != nil {
		return nil
	}
	t0 := time.Now()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dialInitialInterval
	bo.MaxElapsedTime = dialMaxElapsedTime
	err := backoff.Retry(func() error {
		conn, err := c.init()
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	}, bo)
	if err != nil {
		return errors.Wrapf(err, "can't establish %s connection to #<%s>", c.connType, c.dest)
	}
	log.Debugf("%s connection to #<%s> established, took %s", c.connType, c.dest, time.Since(t0))
	return nil
}

func (c *tcpConnection) Send(name string, m Message, flags uint32) error {
	if err := c.initOnce(); err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	bs := []byte(name)
	mh := MessageHeader{
		NameLength: uint32(len(bs)),
		Name:       bs,
		Flags:      flags,
	}
	if err := mh.WriteTo(c.conn); err != nil {
		return err
	}
	return m.WriteTo(c.conn)
}

func (c *tcpConnection) Read(name string, m Message) error {
	if err := c.initOnce(); err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	var mh MessageHeader
	if err := mh.Expect(c.conn, name); err != nil {
		return err
	}
	return m.ReadInto(c.conn)
}

func (c *tcpConnection) Close() error {
	c.Lock()
	defer c.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

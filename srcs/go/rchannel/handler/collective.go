package handler

import (
	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/rchannel/connection"
)

// CollectiveEndpoint queues incoming collective messages per
// (source, channel name) so that receivers can block on exactly the
// message they expect.
type CollectiveEndpoint struct {
	self  plan.PeerID
	waitQ *BufferPool
	recvQ *BufferPool
}

func NewCollectiveEndpoint(self plan.PeerID) *CollectiveEndpoint {
	return &CollectiveEndpoint{
		self:  self,
		waitQ: newBufferPool(1),
		recvQ: newBufferPool(1),
	}
}

// Handle implements connection.Handler.
func (e *CollectiveEndpoint) Handle(conn connection.Connection) (int, error) {
	return connection.Stream(conn, e.accept, e.handle)
}

// Recv blocks until a message named a.Name arrives from a.Peer().
func (e *CollectiveEndpoint) Recv(a plan.Addr) connection.Message {
	m := <-e.recvQ.require(a)
	return *m
}

var errRegisteredBufferNotUsed = errors.New("registered buffer not used")

// RecvInto blocks until a message named a.Name arrives from a.Peer(),
// delivering the body into the pre-registered buffer of m.
func (e *CollectiveEndpoint) RecvInto(a plan.Addr, m connection.Message) error {
	e.waitQ.require(a) <- &m
	pm := <-e.recvQ.require(a)
	if !m.Same(pm) {
		return errRegisteredBufferNotUsed
	}
	return nil
}

func (e *CollectiveEndpoint) accept(conn connection.Connection) (string, *connection.Message, error) {
	var mh connection.MessageHeader
	if err := mh.ReadFrom(conn.Conn()); err != nil {
		return "", nil, err
	}
	name := string(mh.Name)
	if mh.HasFlag(connection.WaitRecvBuf) {
		m := <-e.waitQ.require(conn.Src().WithName(name))
		if err := m.ReadInto(conn.Conn()); err != nil {
			return "", nil, err
		}
		return name, m, nil
	}
	var m connection.Message
	m.Flags = mh.Flags
	if err := m.ReadFrom(conn.Conn()); err != nil {
		return "", nil, err
	}
	return name, &m, nil
}

func (e *CollectiveEndpoint) handle(name string, msg *connection.Message, conn connection.Connection) {
	e.recvQ.require(conn.Src().WithName(name)) <- msg
}

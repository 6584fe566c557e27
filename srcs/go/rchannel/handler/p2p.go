package handler

import (
	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/rchannel/connection"
)

// PeerToPeerEndpoint queues incoming point-to-point messages per
// (source, channel name). Unlike collectives, only a subset of peers
// send on these channels, so the queue depth is deeper to let senders
// run ahead of a busy receiver.
type PeerToPeerEndpoint struct {
	recvQ *BufferPool
}

const p2pQueueDepth = 16

func NewPeerToPeerEndpoint() *PeerToPeerEndpoint {
	return &PeerToPeerEndpoint{
		recvQ: newBufferPool(p2pQueueDepth),
	}
}

// Handle implements connection.Handler.
func (e *PeerToPeerEndpoint) Handle(conn connection.Connection) (int, error) {
	return connection.Stream(conn, connection.Accept, e.handle)
}

// Recv blocks until a message named a.Name arrives from a.Peer().
func (e *PeerToPeerEndpoint) Recv(a plan.Addr) connection.Message {
	m := <-e.recvQ.require(a)
	return *m
}

func (e *PeerToPeerEndpoint) handle(name string, msg *connection.Message, conn connection.Connection) {
	e.recvQ.require(conn.Src().WithName(name)) <- msg
}

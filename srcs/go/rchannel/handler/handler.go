package handler

import (
	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/rchannel/connection"
)

// Endpoint dispatches accepted connections to the handler of their
// connection type.
type Endpoint struct {
	self       plan.PeerID
	Collective *CollectiveEndpoint
	PeerToPeer *PeerToPeerEndpoint
	ping       *PingHandler
}

func NewEndpoint(self plan.PeerID) *Endpoint {
	return &Endpoint{
		self:       self,
		Collective: NewCollectiveEndpoint(self),
		PeerToPeer: NewPeerToPeerEndpoint(),
		ping:       &PingHandler{},
	}
}

func (e *Endpoint) Self() plan.PeerID {
	return e.self
}

// Handle implements connection.Handler.
func (e *Endpoint) Handle(conn connection.Connection) (int, error) {
	switch conn.Type() {
	case connection.ConnPing:
		return e.ping.Handle(conn)
	case connection.ConnCollective:
		return e.Collective.Handle(conn)
	case connection.ConnPeerToPeer:
		return e.PeerToPeer.Handle(conn)
	default:
		return 0, connection.ErrInvalidConnectionType
	}
}

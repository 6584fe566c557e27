// Package session implements collective.Communicator for a group of
// worker processes over the rchannel transport. Collectives use a star
// strategy rooted at the group's rank 0 for all-reduce and barrier, or
// at the caller-given root for broadcast and gather. Message names
// carry a per-session prefix and a sequence number so that concurrent
// sessions (the world group and a sequence-parallel subgroup) sharing
// one endpoint never cross channels.
package session

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/rchannel/client"
	"github.com/videoml/trainflow/srcs/go/rchannel/connection"
	"github.com/videoml/trainflow/srcs/go/rchannel/handler"
	"github.com/videoml/trainflow/srcs/go/trainflow/base"
)

var ErrNotInGroup = errors.New("self not in peer list")

type Session struct {
	prefix   string
	rank     int
	peers    plan.PeerList
	client   *client.Client
	endpoint *handler.Endpoint

	collSeq uint64
	sendSeq map[int]uint64
	recvSeq map[int]uint64
}

// New creates a session for the group formed by peers. All members must
// construct the session with the same prefix and peer list, and must
// call collectives in the same order. A session is not safe for
// concurrent use; create one session per goroutine and group.
func New(prefix string, peers plan.PeerList, cl *client.Client, ep *handler.Endpoint) (*Session, error) {
	rank, ok := peers.Rank(ep.Self())
	if !ok {
		return nil, errors.Wrap(ErrNotInGroup, prefix)
	}
	return &Session{
		prefix:   prefix,
		rank:     rank,
		peers:    peers,
		client:   cl,
		endpoint: ep,
		sendSeq:  make(map[int]uint64),
		recvSeq:  make(map[int]uint64),
	}, nil
}

func (s *Session) Rank() int { return s.rank }
func (s *Session) Size() int { return len(s.peers) }

func (s *Session) collName() string {
	s.collSeq++
	return fmt.Sprintf("%s/coll/%d", s.prefix, s.collSeq)
}

// Broadcast overwrites v on every member with root's value. The root
// pushes to each member with a registered-buffer send so the body lands
// directly in v.
func (s *Session) Broadcast(v *base.Vector, root int) error {
	name := s.collName()
	if s.rank == root {
		return s.sendToAll(name, v.Data, connection.WaitRecvBuf)
	}
	return s.recvInto(name, root, v)
}

// AllReduce combines v element-wise across the group with op. Rank 0
// collects contributions in rank order, reduces locally and pushes the
// result back out.
func (s *Session) AllReduce(v *base.Vector, op base.OP) error {
	name := s.collName()
	if s.rank != 0 {
		if err := s.send(name, 0, v.Data, connection.NoFlag); err != nil {
			return err
		}
		return s.recvInto(name, 0, v)
	}
	for r := 1; r < len(s.peers); r++ {
		m := s.endpoint.Collective.Recv(s.peers[r].WithName(name))
		base.Transform(v, s.asVectorOf(v, m), op)
	}
	return s.sendToAll(name, v.Data, connection.WaitRecvBuf)
}

// Gather collects v from every member into recv on root, laid out by
// rank. recv may be nil on non-root members.
func (s *Session) Gather(v *base.Vector, recv *base.Vector, root int) error {
	name := s.collName()
	if s.rank != root {
		return s.send(name, root, v.Data, connection.NoFlag)
	}
	count := v.Count
	for r := range s.peers {
		part := recv.Slice(count*r, count*(r+1))
		if r == root {
			part.CopyFrom(v)
			continue
		}
		m := s.endpoint.Collective.Recv(s.peers[r].WithName(name))
		part.CopyFrom(s.asVectorOf(v, m))
	}
	return nil
}

// Barrier blocks until every member has entered it. Rank 0 waits for a
// token from everyone, then releases everyone.
func (s *Session) Barrier() error {
	name := s.collName()
	token := []byte{0}
	if s.rank != 0 {
		if err := s.send(name, 0, token, connection.NoFlag); err != nil {
			return err
		}
		s.endpoint.Collective.Recv(s.peers[0].WithName(name))
		return nil
	}
	for r := 1; r < len(s.peers); r++ {
		s.endpoint.Collective.Recv(s.peers[r].WithName(name))
	}
	return s.sendToAll(name, token, connection.NoFlag)
}

// SendObject gob-encodes obj and sends it to dst over the point-to-point
// channel. Sends to the same destination are delivered in order.
func (s *Session) SendObject(obj interface{}, dst int) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(obj); err != nil {
		return errors.Wrap(err, "encode object")
	}
	s.sendSeq[dst]++
	name := fmt.Sprintf("%s/obj/%d-%d/%d", s.prefix, s.rank, dst, s.sendSeq[dst])
	a := s.peers[dst].WithName(name)
	return s.client.Send(a, buf.Bytes(), connection.ConnPeerToPeer, connection.NoFlag)
}

// RecvObject blocks until the next object from src arrives and decodes
// it into obj.
func (s *Session) RecvObject(obj interface{}, src int) error {
	s.recvSeq[src]++
	name := fmt.Sprintf("%s/obj/%d-%d/%d", s.prefix, src, s.rank, s.recvSeq[src])
	m := s.endpoint.PeerToPeer.Recv(s.peers[src].WithName(name))
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(m.Data)).Decode(obj), "decode object")
}

func (s *Session) send(name string, rank int, buf []byte, flags uint32) error {
	a := s.peers[rank].WithName(name)
	return s.client.Send(a, buf, connection.ConnCollective, flags)
}

// sendToAll pushes buf to every other member in parallel; each peer has
// its own connection, so the writes do not contend.
func (s *Session) sendToAll(name string, buf []byte, flags uint32) error {
	var g errgroup.Group
	for r := range s.peers {
		if r == s.rank {
			continue
		}
		r := r
		g.Go(func() error {
			return s.send(name, r, buf, flags)
		})
	}
	return g.Wait()
}

func (s *Session) recvInto(name string, root int, v *base.Vector) error {
	m := connection.Message{
		Length: uint32(len(v.Data)),
		Data:   v.Data,
	}
	return s.endpoint.Collective.RecvInto(s.peers[root].WithName(name), m)
}

// asVectorOf views a received message body as a vector shaped like v.
func (s *Session) asVectorOf(v *base.Vector, m connection.Message) *base.Vector {
	return &base.Vector{
		Data:  m.Data,
		Count: v.Count,
		Type:  v.Type,
	}
}

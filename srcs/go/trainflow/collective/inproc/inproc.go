// Package inproc implements collective.Communicator for a group of
// goroutines inside one process. It exists so multi-rank protocols can
// be exercised without sockets; semantics mirror the TCP session:
// collectives rendezvous all members, point-to-point channels are FIFO
// per (src, dst) pair, and objects are gob-roundtripped like they would
// be on the wire.
package inproc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/videoml/trainflow/srcs/go/trainflow/base"
	"github.com/videoml/trainflow/srcs/go/trainflow/collective"
)

type Cluster struct {
	mu    sync.Mutex
	cond  *sync.Cond
	size  int
	slots map[uint64]*slot
	boxes map[pair][][]byte
}

type pair struct {
	src, dst int
}

type slot struct {
	kind     string
	contrib  []*base.Vector
	arrived  int
	done     bool
	consumed int
	result   *base.Vector
}

func NewCluster(size int) *Cluster {
	c := &Cluster{
		size:  size,
		slots: make(map[uint64]*slot),
		boxes: make(map[pair][][]byte),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Cluster) Size() int {
	return c.size
}

// Communicator returns the endpoint for the given rank. Each rank must
// use its own endpoint; collectives are matched by call order per rank.
func (c *Cluster) Communicator(rank int) collective.Communicator {
	return &comm{cluster: c, rank: rank}
}

func (c *Cluster) slot(seq uint64, kind string) *slot {
	s, ok := c.slots[seq]
	if !ok {
		s = &slot{
			kind:    kind,
			contrib: make([]*base.Vector, c.size),
		}
		c.slots[seq] = s
	}
	if s.kind != kind {
		panic(fmt.Sprintf("inproc: collective mismatch at seq %d: %s vs %s", seq, s.kind, kind))
	}
	return s
}

// rendezvous blocks rank until all members reached the slot, running
// compute exactly once (by the last arriver) before anyone is released.
func (c *Cluster) rendezvous(seq uint64, kind string, rank int, v *base.Vector, compute func(s *slot)) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(seq, kind)
	if v != nil {
		cp := base.NewVector(v.Count, v.Type)
		cp.CopyFrom(v)
		s.contrib[rank] = cp
	}
	s.arrived++
	if s.arrived == c.size {
		if compute != nil {
			compute(s)
		}
		s.done = true
		c.cond.Broadcast()
	}
	for !s.done {
		c.cond.Wait()
	}
	s.consumed++
	if s.consumed == c.size {
		delete(c.slots, seq)
	}
	return s
}

type comm struct {
	cluster *Cluster
	rank    int
	seq     uint64
}

func (c *comm) next() uint64 {
	c.seq++
	return c.seq
}

func (c *comm) Rank() int { return c.rank }
func (c *comm) Size() int { return c.cluster.size }

func (c *comm) Broadcast(v *base.Vector, root int) error {
	s := c.cluster.rendezvous(c.next(), "broadcast", c.rank, v, func(s *slot) {
		s.result = s.contrib[root]
	})
	v.CopyFrom(s.result)
	return nil
}

func (c *comm) AllReduce(v *base.Vector, op base.OP) error {
	kind := "allreduce:" + op.String()
	s := c.cluster.rendezvous(c.next(), kind, c.rank, v, func(s *slot) {
		acc := base.NewVector(s.contrib[0].Count, s.contrib[0].Type)
		acc.CopyFrom(s.contrib[0])
		for i := 1; i < len(s.contrib); i++ {
			base.Transform(acc, s.contrib[i], op)
		}
		s.result = acc
	})
	v.CopyFrom(s.result)
	return nil
}

func (c *comm) Gather(v *base.Vector, recv *base.Vector, root int) error {
	s := c.cluster.rendezvous(c.next(), "gather", c.rank, v, func(s *slot) {
		count := s.contrib[0].Count
		out := base.NewVector(count*len(s.contrib), s.contrib[0].Type)
		for i, b := range s.contrib {
			out.Slice(count*i, count*(i+1)).CopyFrom(b)
		}
		s.result = out
	})
	if c.rank == root {
		recv.CopyFrom(s.result)
	}
	return nil
}

func (c *comm) Barrier() error {
	c.cluster.rendezvous(c.next(), "barrier", c.rank, nil, nil)
	return nil
}

func (c *comm) SendObject(obj interface{}, dst int) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(obj); err != nil {
		return err
	}
	cl := c.cluster
	cl.mu.Lock()
	defer cl.mu.Unlock()
	k := pair{src: c.rank, dst: dst}
	cl.boxes[k] = append(cl.boxes[k], buf.Bytes())
	cl.cond.Broadcast()
	return nil
}

func (c *comm) RecvObject(obj interface{}, src int) error {
	cl := c.cluster
	cl.mu.Lock()
	k := pair{src: src, dst: c.rank}
	for len(cl.boxes[k]) == 0 {
		cl.cond.Wait()
	}
	bs := cl.boxes[k][0]
	cl.boxes[k] = cl.boxes[k][1:]
	cl.mu.Unlock()
	return gob.NewDecoder(bytes.NewReader(bs)).Decode(obj)
}

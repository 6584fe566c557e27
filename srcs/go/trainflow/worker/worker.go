// Package worker owns a training process's identity and its process
// groups. A Context bundles the worker's world rank, the topology, and
// the two communicators every training component needs: the world group
// and the worker's sequence-parallel subgroup.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/rchannel/client"
	"github.com/videoml/trainflow/srcs/go/rchannel/handler"
	"github.com/videoml/trainflow/srcs/go/rchannel/server"
	"github.com/videoml/trainflow/srcs/go/trainflow/collective"
	"github.com/videoml/trainflow/srcs/go/trainflow/session"
)

type Context struct {
	rank int
	topo plan.Topology

	World collective.Communicator
	SP    collective.Communicator

	srv server.Server
	cli *client.Client
}

// New builds the context from communicators that already exist. Tests
// use this with in-process communicators.
func New(rank int, topo plan.Topology, world, sp collective.Communicator) *Context {
	return &Context{
		rank:  rank,
		topo:  topo,
		World: world,
		SP:    sp,
	}
}

const peerWaitTimeout = 2 * time.Minute

// Dial starts this worker's endpoint, waits until every peer is
// reachable, and forms the world and sequence-parallel sessions.
func Dial(self plan.PeerID, peers plan.PeerList, spSize int) (*Context, error) {
	topo, err := plan.NewTopology(len(peers), spSize)
	if err != nil {
		return nil, err
	}
	rank, ok := peers.Rank(self)
	if !ok {
		return nil, errors.Errorf("self %s not in peer list %s", self, peers)
	}
	ep := handler.NewEndpoint(self)
	srv := server.New(self, ep)
	if err := srv.Start(); err != nil {
		return nil, errors.Wrap(err, "start server")
	}
	cli := client.New(self)
	ctx, cancel := context.WithTimeout(context.Background(), peerWaitTimeout)
	defer cancel()
	for _, p := range peers {
		if p == self {
			continue
		}
		if !cli.Wait(ctx, p) {
			srv.Close()
			return nil, errors.Errorf("peer %s unreachable", p)
		}
	}
	world, err := session.New("world", peers, cli, ep)
	if err != nil {
		srv.Close()
		return nil, err
	}
	g := topo.SPGroupIndex(rank)
	spPeers := peers.Select(topo.SPGroupRanks(g))
	sp, err := session.New(spName(g), spPeers, cli, ep)
	if err != nil {
		srv.Close()
		return nil, err
	}
	log.SetTag("[rank %d]", rank)
	log.Infof("worker %d/%d up, sp group %d (%d/%d)", rank, len(peers), g, topo.SPRank(rank), spSize)
	return &Context{
		rank:  rank,
		topo:  *topo,
		World: world,
		SP:    sp,
		srv:   srv,
		cli:   cli,
	}, nil
}

func spName(g int) string {
	return fmt.Sprintf("sp/%d", g)
}

func (c *Context) Rank() int                { return c.rank }
func (c *Context) WorldSize() int           { return c.topo.WorldSize }
func (c *Context) Topology() plan.Topology  { return c.topo }
func (c *Context) SPGroupIndex() int        { return c.topo.SPGroupIndex(c.rank) }
func (c *Context) SPRank() int              { return c.topo.SPRank(c.rank) }
func (c *Context) IsSPLeader() bool         { return c.topo.IsSPLeader(c.rank) }
func (c *Context) IsRoot() bool             { return c.rank == 0 }

// Close shuts down the transport. Safe to call on test contexts that
// never dialed.
func (c *Context) Close() {
	if c.cli != nil {
		c.cli.Close()
	}
	if c.srv != nil {
		c.srv.Close()
	}
}

// Package env bootstraps a worker's cluster identity from environment
// variables, which is how a launcher hands each process its place in
// the world. Unset variables fall back to a single-process world on
// localhost.
package env

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/plan"
)

const (
	SelfSpecEnvKey = `TRAINFLOW_SELF_SPEC`
	PeerListEnvKey = `TRAINFLOW_INIT_PEERS`
	SPSizeEnvKey   = `TRAINFLOW_SP_SIZE`
)

const defaultPort = 38888

type Env struct {
	Self   plan.PeerID
	Peers  plan.PeerList
	SPSize int
}

// Parse reads the cluster identity from the process environment.
func Parse() (*Env, error) {
	e := &Env{
		Self: plan.PeerID{
			IPv4: plan.MustParseIPv4("127.0.0.1"),
			Port: defaultPort,
		},
		SPSize: 1,
	}
	if val := os.Getenv(SelfSpecEnvKey); len(val) > 0 {
		id, err := plan.ParsePeerID(val)
		if err != nil {
			return nil, errors.Wrap(err, SelfSpecEnvKey)
		}
		e.Self = *id
	}
	e.Peers = plan.PeerList{e.Self}
	if val := os.Getenv(PeerListEnvKey); len(val) > 0 {
		pl, err := plan.ParsePeerList(val)
		if err != nil {
			return nil, errors.Wrap(err, PeerListEnvKey)
		}
		e.Peers = pl
	}
	if val := os.Getenv(SPSizeEnvKey); len(val) > 0 {
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, errors.Wrap(err, SPSizeEnvKey)
		}
		e.SPSize = n
	}
	if _, ok := e.Peers.Rank(e.Self); !ok {
		return nil, errors.Errorf("self %s not in %s", e.Self, PeerListEnvKey)
	}
	return e, nil
}

package plan

import (
	"errors"
	"fmt"
)

// Topology describes how the world of workers is partitioned into
// sequence-parallel (SP) groups. SP groups are contiguous rank ranges:
// group g owns ranks [g*SPSize, (g+1)*SPSize), and the first rank of a
// group is its leader.
type Topology struct {
	WorldSize int
	SPSize    int
}

var errInvalidTopology = errors.New("invalid topology")

func NewTopology(worldSize, spSize int) (*Topology, error) {
	if worldSize <= 0 || spSize <= 0 {
		return nil, errInvalidTopology
	}
	if worldSize%spSize != 0 {
		return nil, fmt.Errorf("%w: world size %d not divisible by sp size %d", errInvalidTopology, worldSize, spSize)
	}
	return &Topology{WorldSize: worldSize, SPSize: spSize}, nil
}

func (t Topology) NumSPGroups() int {
	return t.WorldSize / t.SPSize
}

// SPGroupIndex returns the index of the SP group owning the given rank.
func (t Topology) SPGroupIndex(rank int) int {
	return rank / t.SPSize
}

// SPRank returns the rank within its SP group.
func (t Topology) SPRank(rank int) int {
	return rank % t.SPSize
}

// SPLeader returns the world rank of the leader of SP group g.
func (t Topology) SPLeader(g int) int {
	return g * t.SPSize
}

func (t Topology) IsSPLeader(rank int) bool {
	return t.SPRank(rank) == 0
}

// SPGroupRanks returns the world ranks of SP group g in ascending order.
func (t Topology) SPGroupRanks(g int) []int {
	var ranks []int
	for i := 0; i < t.SPSize; i++ {
		ranks = append(ranks, g*t.SPSize+i)
	}
	return ranks
}

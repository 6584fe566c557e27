// Package collective defines the blocking communication primitives a
// worker uses within one of its process groups. Every operation must be
// called by every member of the group in the same relative order; a
// failed collective leaves the group desynchronized, so callers treat
// any error as fatal.
package collective

import "github.com/videoml/trainflow/srcs/go/trainflow/base"

type Communicator interface {
	// Rank is this worker's rank within the group.
	Rank() int
	// Size is the number of members of the group.
	Size() int

	// Broadcast overwrites v on every member with root's value.
	Broadcast(v *base.Vector, root int) error
	// AllReduce combines v element-wise across the group with op; every
	// member observes the same result in v.
	AllReduce(v *base.Vector, op base.OP) error
	// Gather collects v from every member into recv on root, laid out
	// by rank. recv may be nil on non-root members.
	Gather(v *base.Vector, recv *base.Vector, root int) error
	// Barrier blocks until every member has entered it.
	Barrier() error

	// SendObject and RecvObject are point-to-point and must be paired
	// out of band by the caller. Objects are gob-encoded.
	SendObject(obj interface{}, dst int) error
	RecvObject(obj interface{}, src int) error
}

// AllReduceAvg performs a SUM all-reduce and scales the result by the
// group size. The wire carries SUM; scaling happens locally so the
// reduce kernels stay closed under element-wise ops.
func AllReduceAvg(c Communicator, v *base.Vector) error {
	if err := c.AllReduce(v, base.SUM); err != nil {
		return err
	}
	base.Scale(v, 1/float64(c.Size()))
	return nil
}

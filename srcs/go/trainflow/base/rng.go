package base

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// RNG is a checkpointable pseudo-random source. Its full state can be
// serialized into a checkpoint and restored, so a resumed run continues
// the same pseudo-random sequence as an uninterrupted one.
type RNG struct {
	pcg *rand.PCG
	src *rand.Rand
}

func NewRNG(seed uint64) *RNG {
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &RNG{
		pcg: pcg,
		src: rand.New(pcg),
	}
}

// Float64 returns a uniform sample in [0, 1).
func (r *RNG) Float64() float64 {
	return r.src.Float64()
}

// NormFloat64 returns a standard normal sample.
func (r *RNG) NormFloat64() float64 {
	return r.src.NormFloat64()
}

// Perm returns a pseudo-random permutation of [0, n).
func (r *RNG) Perm(n int) []int {
	return r.src.Perm(n)
}

func (r *RNG) MarshalBinary() ([]byte, error) {
	bs, err := r.pcg.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal rng state")
	}
	return bs, nil
}

func (r *RNG) UnmarshalBinary(bs []byte) error {
	if err := r.pcg.UnmarshalBinary(bs); err != nil {
		return errors.Wrap(err, "unmarshal rng state")
	}
	return nil
}

// Sigmoid is the logistic squashing function used by the logit-normal
// timestep sampling policy.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

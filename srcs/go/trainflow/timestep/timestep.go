// Package timestep implements the diffusion timestep density sampling
// policies. A policy draws a batch of normalized timesteps in [0, 1)
// from the worker's pseudo-random source; the leader of each
// sequence-parallel group samples and broadcasts so the whole group
// trains on identical timesteps.
package timestep

import (
	"math"

	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/trainflow/base"
)

// Policy names accepted by New.
const (
	Uniform     = "uniform"
	LogitNormal = "logit_normal"
	Mode        = "mode"
)

var ErrUnknownPolicy = errors.New("unknown timestep sampling policy")

// Sampler draws n normalized timesteps from rng.
type Sampler interface {
	Sample(n int, rng *base.RNG) []float64
}

// Params carries the policy knobs. Mean and Std apply to logit_normal,
// Scale applies to mode.
type Params struct {
	Mean  float64
	Std   float64
	Scale float64
}

func New(policy string, p Params) (Sampler, error) {
	switch policy {
	case Uniform:
		return uniformSampler{}, nil
	case LogitNormal:
		return logitNormalSampler{mean: p.Mean, std: p.Std}, nil
	case Mode:
		return modeSampler{scale: p.Scale}, nil
	default:
		return nil, errors.Wrap(ErrUnknownPolicy, policy)
	}
}

type uniformSampler struct{}

func (uniformSampler) Sample(n int, rng *base.RNG) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out
}

// logitNormalSampler squashes normal draws through the logistic
// function, concentrating density around sigmoid(mean).
type logitNormalSampler struct {
	mean, std float64
}

func (s logitNormalSampler) Sample(n int, rng *base.RNG) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base.Sigmoid(rng.NormFloat64()*s.std + s.mean)
	}
	return out
}

// modeSampler skews uniform draws toward the ends of the schedule:
// u' = 1 - u - s*(cos^2(pi*u/2) - 1 + u).
type modeSampler struct {
	scale float64
}

func (s modeSampler) Sample(n int, rng *base.RNG) []float64 {
	out := make([]float64, n)
	for i := range out {
		u := rng.Float64()
		c := math.Cos(math.Pi / 2 * u)
		out[i] = 1 - u - s.scale*(c*c-1+u)
	}
	return out
}

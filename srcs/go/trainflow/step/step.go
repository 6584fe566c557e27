// Package step executes one training step as an explicit state machine:
// PREPARE samples and synchronizes diffusion timesteps within the
// sequence-parallel group, ACCUMULATE runs the configured number of
// gradient accumulation passes, CLIP bounds the gradient norm, and
// OPTIMIZE advances the optimizers and schedulers exactly once.
package step

import (
	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/trainflow/base"
	"github.com/videoml/trainflow/srcs/go/trainflow/collective"
	"github.com/videoml/trainflow/srcs/go/trainflow/model"
	"github.com/videoml/trainflow/srcs/go/trainflow/timestep"
	"github.com/videoml/trainflow/srcs/go/trainflow/worker"
	"github.com/videoml/trainflow/srcs/go/utils/warnonce"
)

// TrainingBatch is one micro-batch. Clean holds BatchSize rows of
// SampleDim values each. The executor fills Sigmas, Noise and Noisy
// before handing the batch to the strategy.
type TrainingBatch struct {
	BatchSize int
	SampleDim int
	Clean     []float32
	Captions  []string

	Sigmas []float64
	Noise  []float32
	Noisy  []float32
}

// Strategy supplies the scheme-specific parts of a step. Plain training
// and distillation are different strategies over the same executor.
type Strategy interface {
	// PrepareBatch delivers the next micro-batch from the data pipeline.
	PrepareBatch() (*TrainingBatch, error)
	// ForwardAndLoss runs the forward pass on the prepared batch and
	// accumulates gradients into the trainable parameters, returning the
	// local loss.
	ForwardAndLoss(b *TrainingBatch) (float64, error)
	// TrainableParameters returns the parameters touched by this
	// strategy's backward pass.
	TrainableParameters() []*model.Parameter
}

type Config struct {
	AccumSteps  int
	MaxGradNorm float64
}

// Group couples one model's trainable parameters with the optimizer and
// scheduler that own them. Plain training runs one group; distillation
// runs one per replica, so the generator's optimizer never sees critic
// parameters and moment buffers stay per model even when parameter
// names collide. Optimizer and Scheduler may be nil.
type Group struct {
	Params    []*model.Parameter
	Optimizer model.Optimizer
	Scheduler model.Scheduler
}

type Executor struct {
	cfg      Config
	wctx     *worker.Context
	strategy Strategy
	sampler  timestep.Sampler
	groups   []Group
	rng      *base.RNG
	clipWarn *warnonce.Latch
}

// Result reports what one step did. GradNorm is the pre-clip norm, or
// zero when the norm was unavailable. LR is the rate used by the first
// scheduler, for telemetry.
type Result struct {
	Loss     float64
	GradNorm float64
	LR       float64
}

// New builds an executor. clipWarn is shared across steps so a
// persistent clipping degradation warns exactly once per process.
func New(cfg Config, wctx *worker.Context, strategy Strategy, sampler timestep.Sampler,
	groups []Group, rng *base.RNG, clipWarn *warnonce.Latch) *Executor {
	if cfg.AccumSteps < 1 {
		cfg.AccumSteps = 1
	}
	return &Executor{
		cfg:      cfg,
		wctx:     wctx,
		strategy: strategy,
		sampler:  sampler,
		groups:   groups,
		rng:      rng,
		clipWarn: clipWarn,
	}
}

// Run executes the training step numbered step.
func (e *Executor) Run(step int64) (Result, error) {
	var res Result
	for i := 0; i < e.cfg.AccumSteps; i++ {
		b, err := e.prepare()
		if err != nil {
			return res, err
		}
		loss, err := e.accumulate(b)
		if err != nil {
			return res, err
		}
		res.Loss += loss / float64(e.cfg.AccumSteps)
	}
	res.GradNorm = e.clip(step)
	if err := e.optimize(); err != nil {
		return res, err
	}
	if len(e.groups) > 0 && e.groups[0].Scheduler != nil {
		res.LR = e.groups[0].Scheduler.LastLR()
	}
	return res, nil
}

// prepare pulls the next micro-batch, synchronizes timesteps across the
// sequence-parallel group and forms the noisy input.
func (e *Executor) prepare() (*TrainingBatch, error) {
	b, err := e.strategy.PrepareBatch()
	if err != nil {
		return nil, err
	}
	sigmas := base.NewVector(b.BatchSize, base.F64)
	if e.wctx.IsSPLeader() {
		copy(sigmas.AsF64(), e.sampler.Sample(b.BatchSize, e.rng))
	}
	if err := e.wctx.SP.Broadcast(sigmas, 0); err != nil {
		return nil, err
	}
	b.Sigmas = sigmas.AsF64()
	b.Noise = make([]float32, len(b.Clean))
	for i := range b.Noise {
		b.Noise[i] = float32(e.rng.NormFloat64())
	}
	b.Noisy = make([]float32, len(b.Clean))
	for row := 0; row < b.BatchSize; row++ {
		s := float32(b.Sigmas[row])
		lo, hi := row*b.SampleDim, (row+1)*b.SampleDim
		for i := lo; i < hi; i++ {
			b.Noisy[i] = (1-s)*b.Clean[i] + s*b.Noise[i]
		}
	}
	return b, nil
}

// accumulate runs the forward and backward pass for one micro-batch and
// returns the world-averaged loss.
func (e *Executor) accumulate(b *TrainingBatch) (float64, error) {
	loss, err := e.strategy.ForwardAndLoss(b)
	if err != nil {
		return 0, err
	}
	v := base.NewVector(1, base.F64)
	v.AsF64()[0] = loss
	if err := collective.AllReduceAvg(e.wctx.World, v); err != nil {
		return 0, err
	}
	return v.AsF64()[0], nil
}

// clip bounds the gradient norm. When the norm is unavailable, gradients
// are left unclipped and the norm reported as zero; the degradation is
// logged once per process.
func (e *Executor) clip(step int64) float64 {
	norm, err := model.ClipGradNorm(e.strategy.TrainableParameters(), e.cfg.MaxGradNorm)
	if err != nil {
		e.clipWarn.Do(func() {
			log.Warnf("step %d rank %d: gradient clipping unavailable, reporting norm 0: %v",
				step, e.wctx.Rank(), err)
		})
		return 0
	}
	return norm
}

// optimize advances every group's scheduler and optimizer exactly once,
// then clears that group's gradients. Each optimizer only ever touches
// its own group's parameters.
func (e *Executor) optimize() error {
	for _, g := range e.groups {
		if g.Scheduler != nil {
			g.Scheduler.Step()
		}
	}
	for _, g := range e.groups {
		if g.Optimizer == nil {
			continue
		}
		if sink, ok := g.Optimizer.(lrSink); ok && g.Scheduler != nil {
			sink.SetLR(g.Scheduler.LastLR())
		}
		if err := g.Optimizer.Step(g.Params); err != nil {
			return err
		}
		g.Optimizer.ZeroGrad(g.Params)
	}
	return nil
}

type lrSink interface {
	SetLR(lr float64)
}

// Package loop drives a training run: resume from a checkpoint, then
// for every step execute the step state machine, emit telemetry on the
// world rank 0 worker, and fire checkpointing and validation on their
// cadences. A final checkpoint is always written at the last step.
package loop

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/trainflow/checkpoint"
	"github.com/videoml/trainflow/srcs/go/trainflow/model"
	"github.com/videoml/trainflow/srcs/go/trainflow/step"
	"github.com/videoml/trainflow/srcs/go/trainflow/validation"
	"github.com/videoml/trainflow/srcs/go/trainflow/worker"
)

type Config struct {
	// RunID tags logs and telemetry of this run; Assemble fills it with
	// a fresh uuid.
	RunID string

	MaxSteps        int64
	CheckpointEvery int64
	// ExportEvery writes consolidated weights without the sharded
	// artifact on its own cadence, for cheap inference snapshots. Steps
	// that hit a full checkpoint skip the extra export.
	ExportEvery     int64
	ValidateEvery   int64
	ValidateAtStart bool
	ResumeFrom      string

	// Attention sparsity decay: the sparsity at step s is
	// min(s/DecayInterval, SparsityTarget/DecayRate) * DecayRate,
	// with integer division throughout, so sparsity moves in DecayRate
	// increments and snaps to a multiple of it.
	SparsityTarget float64
	DecayRate      float64
	DecayInterval  int64
}

type Loop struct {
	cfg       Config
	wctx      *worker.Context
	executor  *step.Executor
	ckpt      *checkpoint.Coordinator
	validator *validation.Aggregator
	telemetry model.Telemetry
	strategy  step.Strategy

	stepTimes *window
}

// New assembles a loop. validator may be nil when validation is
// disabled; telemetry must not be nil (use model.NopTelemetry).
func New(cfg Config, wctx *worker.Context, executor *step.Executor, strategy step.Strategy,
	ckpt *checkpoint.Coordinator, validator *validation.Aggregator, telemetry model.Telemetry) *Loop {
	return &Loop{
		cfg:       cfg,
		wctx:      wctx,
		executor:  executor,
		strategy:  strategy,
		ckpt:      ckpt,
		validator: validator,
		telemetry: telemetry,
		stepTimes: newWindow(100),
	}
}

// Run trains until MaxSteps.
func (l *Loop) Run() error {
	runID := l.cfg.RunID
	start := int64(0)
	if l.cfg.ResumeFrom != "" {
		s, err := l.ckpt.Load(l.cfg.ResumeFrom)
		if err != nil {
			return errors.Wrap(err, "resume")
		}
		start = s
		log.Infof("run %s resumed from step %d", runID, start)
	} else {
		log.Infof("run %s starting", runID)
	}
	if l.cfg.ValidateAtStart && l.validator != nil {
		if err := l.validator.Run(start); err != nil {
			return err
		}
	}
	for s := start + 1; s <= l.cfg.MaxSteps; s++ {
		l.applySparsity(s)
		t0 := time.Now()
		res, err := l.executor.Run(s)
		if err != nil {
			return errors.Wrapf(err, "step %d", s)
		}
		l.observe(s, res, time.Since(t0))
		if l.cadenceHit(s, l.cfg.CheckpointEvery) || s == l.cfg.MaxSteps {
			if err := l.ckpt.Save(s); err != nil {
				return errors.Wrapf(err, "checkpoint at step %d", s)
			}
		} else if l.cadenceHit(s, l.cfg.ExportEvery) {
			if err := l.ckpt.ExportOnly(s); err != nil {
				return errors.Wrapf(err, "export at step %d", s)
			}
		}
		if l.validator != nil && l.cadenceHit(s, l.cfg.ValidateEvery) {
			if err := l.validator.Run(s); err != nil {
				return errors.Wrapf(err, "validation at step %d", s)
			}
		}
	}
	log.Infof("run %s finished at step %d", runID, l.cfg.MaxSteps)
	return nil
}

func (l *Loop) cadenceHit(s, every int64) bool {
	return every > 0 && s%every == 0
}

// Sparsity returns the attention sparsity in effect at step s.
func (l *Loop) Sparsity(s int64) float64 {
	if l.cfg.DecayInterval <= 0 || l.cfg.DecayRate <= 0 {
		return 0
	}
	k := float64(s / l.cfg.DecayInterval)
	kmax := math.Floor(l.cfg.SparsityTarget / l.cfg.DecayRate)
	return math.Min(k, kmax) * l.cfg.DecayRate
}

type sparsitySink interface {
	SetSparsity(s float64)
}

func (l *Loop) applySparsity(s int64) {
	if sink, ok := l.strategy.(sparsitySink); ok {
		sink.SetSparsity(l.Sparsity(s))
	}
}

func (l *Loop) observe(s int64, res step.Result, elapsed time.Duration) {
	l.stepTimes.push(elapsed.Seconds())
	if !l.wctx.IsRoot() {
		return
	}
	l.telemetry.Log(int(s), map[string]float64{
		"train_loss":    res.Loss,
		"learning_rate": res.LR,
		"step_time":     elapsed.Seconds(),
		"avg_step_time": l.stepTimes.mean(),
		"grad_norm":     res.GradNorm,
		"sparsity":      l.Sparsity(s),
	})
	log.Infof("step %d loss %.6f grad_norm %.4f %.3fs", s, res.Loss, res.GradNorm, elapsed.Seconds())
}

// window is a fixed-size ring of recent step durations.
type window struct {
	vals []float64
	pos  int
	full bool
}

func newWindow(n int) *window {
	return &window{vals: make([]float64, n)}
}

func (w *window) push(v float64) {
	w.vals[w.pos] = v
	w.pos++
	if w.pos == len(w.vals) {
		w.pos = 0
		w.full = true
	}
}

func (w *window) mean() float64 {
	n := w.pos
	if w.full {
		n = len(w.vals)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.vals[i]
	}
	return sum / float64(n)
}

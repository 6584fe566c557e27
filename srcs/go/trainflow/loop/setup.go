package loop

import (
	"path"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/trainflow/base"
	"github.com/videoml/trainflow/srcs/go/trainflow/checkpoint"
	"github.com/videoml/trainflow/srcs/go/trainflow/config"
	"github.com/videoml/trainflow/srcs/go/trainflow/model"
	"github.com/videoml/trainflow/srcs/go/trainflow/sched"
	"github.com/videoml/trainflow/srcs/go/trainflow/step"
	"github.com/videoml/trainflow/srcs/go/trainflow/timestep"
	"github.com/videoml/trainflow/srcs/go/trainflow/validation"
	"github.com/videoml/trainflow/srcs/go/trainflow/worker"
	"github.com/videoml/trainflow/srcs/go/utils/warnonce"
)

// Assembly is a fully wired run. The exporter uses the coordinator and
// components without ever running the loop.
type Assembly struct {
	Loop       *Loop
	Checkpoint *checkpoint.Coordinator
	Components []checkpoint.Component
}

// Assemble wires a run from its config. Model parameters are seeded
// identically on every rank; the step RNG is offset by rank so noise
// differs across data-parallel workers.
func Assemble(cfg config.Config, wctx *worker.Context) (*Assembly, error) {
	sampler, err := timestep.New(cfg.Timestep.Policy, timestep.Params{
		Mean:  cfg.Timestep.Mean,
		Std:   cfg.Timestep.Std,
		Scale: cfg.Timestep.Scale,
	})
	if err != nil {
		return nil, err
	}
	batches := sched.New[*step.TrainingBatch](step.SyntheticBatches(
		cfg.Data.NumItems, cfg.Data.BatchSize, cfg.Data.SampleDim, cfg.Data.Seed))

	newComponent := func(name, mesh string, export bool) (checkpoint.Component, model.Model) {
		m := model.NewSynthetic(name, cfg.Model.Arch.HiddenDim, cfg.Model.Arch.NumBlocks,
			base.NewRNG(cfg.Run.Seed)).SetMesh(mesh)
		return checkpoint.Component{
			Name:      name,
			Model:     m,
			Optimizer: model.NewAdamW(cfg.Optim.LR, cfg.Optim.WeightDecay),
			Scheduler: model.NewWarmupLinear(cfg.Optim.LR, cfg.Optim.WarmupSteps, cfg.Run.MaxSteps),
			Export:    export,
		}, m
	}

	var components []checkpoint.Component
	var strategy step.Strategy
	switch cfg.Run.Mode {
	case config.ModePlain:
		comp, m := newComponent("transformer", "default", true)
		components = []checkpoint.Component{comp}
		strategy = &step.Plain{Model: m, Batches: batches, AccumSteps: cfg.Run.AccumSteps}
	case config.ModeDistill:
		gen, g := newComponent("generator", "generator", true)
		critic, c := newComponent("critic", "critic", false)
		components = []checkpoint.Component{gen, critic}
		strategy = &step.Distill{Generator: g, Critic: c, Batches: batches, AccumSteps: cfg.Run.AccumSteps}
	default:
		return nil, errors.Errorf("unknown mode %q", cfg.Run.Mode)
	}

	var groups []step.Group
	for _, comp := range components {
		groups = append(groups, step.Group{
			Params:    model.TrainableParameters(comp.Model.Parameters()),
			Optimizer: comp.Optimizer,
			Scheduler: comp.Scheduler,
		})
	}

	rng := base.NewRNG(cfg.Run.Seed + uint64(wctx.Rank()))
	executor := step.New(
		step.Config{AccumSteps: cfg.Run.AccumSteps, MaxGradNorm: cfg.Run.MaxGradNorm},
		wctx, strategy, sampler, groups, rng, warnonce.New())

	ckpt := checkpoint.New(path.Join(cfg.Run.OutputDir, "checkpoints"), wctx, components, rng, batches)

	runID := uuid.NewString()
	var telemetry model.Telemetry = model.NopTelemetry{}
	if wctx.IsRoot() {
		ft, err := model.NewFileTelemetry(path.Join(cfg.Run.OutputDir, "telemetry"), runID)
		if err != nil {
			return nil, err
		}
		telemetry = ft
	}

	var validator *validation.Aggregator
	if len(cfg.Validation.Prompts) > 0 && (cfg.Validation.Every > 0 || cfg.Validation.AtStart) {
		validator = validation.New(validation.Config{
			Prompts:        cfg.Validation.Prompts,
			InferenceSteps: cfg.Validation.InferenceSteps,
		}, wctx, &model.SyntheticPipeline{}, telemetry)
	}

	l := New(Config{
		RunID:           runID,
		MaxSteps:        cfg.Run.MaxSteps,
		CheckpointEvery: cfg.Checkpoint.Every,
		ExportEvery:     cfg.Checkpoint.ExportEvery,
		ValidateEvery:   cfg.Validation.Every,
		ValidateAtStart: cfg.Validation.AtStart,
		ResumeFrom:      cfg.Checkpoint.ResumeFrom,
		SparsityTarget:  cfg.Sparsity.Target,
		DecayRate:       cfg.Sparsity.DecayRate,
		DecayInterval:   cfg.Sparsity.DecayInterval,
	}, wctx, executor, strategy, ckpt, validator, telemetry)

	return &Assembly{
		Loop:       l,
		Checkpoint: ckpt,
		Components: components,
	}, nil
}

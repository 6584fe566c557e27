// Package validation runs the inference pipeline during training and
// collects the outputs on the world rank 0 worker. Every rank replays
// every prompt, because the pipeline computes collectively within a
// sequence-parallel group; only each group's leader holds a meaningful
// result. Rank 0 receives leader results in ascending group index
// order, so the persisted artifacts are identical across runs
// regardless of which leader finishes first.
package validation

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/trainflow/model"
	"github.com/videoml/trainflow/srcs/go/trainflow/worker"
)

type Config struct {
	Prompts        []string
	InferenceSteps []int
}

type Aggregator struct {
	cfg       Config
	wctx      *worker.Context
	pipeline  model.InferencePipeline
	telemetry model.Telemetry
}

func New(cfg Config, wctx *worker.Context, pipeline model.InferencePipeline, telemetry model.Telemetry) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		wctx:      wctx,
		pipeline:  pipeline,
		telemetry: telemetry,
	}
}

// Run validates at the given training step. Every world member must
// call it.
func (a *Aggregator) Run(step int64) error {
	for _, steps := range a.cfg.InferenceSteps {
		if err := a.runOne(step, steps); err != nil {
			return errors.Wrapf(err, "validation at %d inference steps", steps)
		}
	}
	return a.wctx.World.Barrier()
}

func (a *Aggregator) runOne(step int64, inferenceSteps int) error {
	artifacts, captions, err := a.generate(inferenceSteps)
	if err != nil {
		return err
	}
	if !a.wctx.IsSPLeader() {
		return nil
	}
	if !a.wctx.IsRoot() {
		if err := a.wctx.World.SendObject(artifacts, 0); err != nil {
			return err
		}
		return a.wctx.World.SendObject(captions, 0)
	}

	topo := a.wctx.Topology()
	for g := 1; g < topo.NumSPGroups(); g++ {
		leader := topo.SPLeader(g)
		var arts []model.Artifact
		var caps []string
		if err := a.wctx.World.RecvObject(&arts, leader); err != nil {
			return err
		}
		if err := a.wctx.World.RecvObject(&caps, leader); err != nil {
			return err
		}
		if len(arts) != len(a.cfg.Prompts) || len(caps) != len(a.cfg.Prompts) {
			return errors.Errorf("group %d sent %d artifacts, %d captions for %d prompts",
				g, len(arts), len(caps), len(a.cfg.Prompts))
		}
		artifacts = append(artifacts, arts...)
		captions = append(captions, caps...)
	}

	for i := range artifacts {
		artifacts[i].Name = fmt.Sprintf("%d_%d_%d", step, inferenceSteps, i)
		artifacts[i].Caption = captions[i]
	}
	a.telemetry.LogArtifacts(int(step), artifacts)
	log.Infof("validation step %d: %d artifacts at %d inference steps", step, len(artifacts), inferenceSteps)
	return nil
}

// generate runs every prompt through the pipeline, in prompt order.
// Every rank calls it; non-leaders discard the returned results.
func (a *Aggregator) generate(inferenceSteps int) ([]model.Artifact, []string, error) {
	var artifacts []model.Artifact
	var captions []string
	for idx, prompt := range a.cfg.Prompts {
		art, err := a.pipeline.Generate(prompt, inferenceSteps)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "prompt %d", idx)
		}
		artifacts = append(artifacts, art)
		captions = append(captions, prompt)
	}
	return artifacts, captions, nil
}

// trainflow-export rewrites the consolidated weights of an existing
// distributed checkpoint without training. Run it with the same world
// layout that wrote the checkpoint; rank 0 writes the output.
package main

import (
	"flag"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/trainflow/config"
	"github.com/videoml/trainflow/srcs/go/trainflow/env"
	"github.com/videoml/trainflow/srcs/go/trainflow/loop"
	"github.com/videoml/trainflow/srcs/go/trainflow/worker"
	"github.com/videoml/trainflow/srcs/go/utils/assert"
)

var (
	configFile    = flag.String("config", "config.yaml", "path to the run config file")
	checkpointDir = flag.String("checkpoint", "", "checkpoint directory to export")
)

func main() {
	flag.Parse()
	assert.True(len(*checkpointDir) > 0)
	cfg, err := config.Load(*configFile)
	assert.OK(err)
	e, err := env.Parse()
	assert.OK(err)
	wctx, err := worker.Dial(e.Self, e.Peers, e.SPSize)
	assert.OK(err)
	defer wctx.Close()
	a, err := loop.Assemble(cfg, wctx)
	assert.OK(err)
	step, err := a.Checkpoint.Load(*checkpointDir)
	assert.OK(err)
	for _, comp := range a.Components {
		if !comp.Export {
			continue
		}
		assert.OK(a.Checkpoint.Consolidate(*checkpointDir, comp))
	}
	assert.OK(wctx.World.Barrier())
	log.Infof("exported checkpoint %s (step %d)", *checkpointDir, step)
}

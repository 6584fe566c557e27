package main

import (
	"flag"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/trainflow/config"
	"github.com/videoml/trainflow/srcs/go/trainflow/env"
	"github.com/videoml/trainflow/srcs/go/trainflow/loop"
	"github.com/videoml/trainflow/srcs/go/trainflow/worker"
	"github.com/videoml/trainflow/srcs/go/utils"
	"github.com/videoml/trainflow/srcs/go/utils/assert"
)

var configFile = flag.String("config", "config.yaml", "path to the run config file")

func main() {
	flag.Parse()
	cfg, err := config.Load(*configFile)
	assert.OK(err)
	e, err := env.Parse()
	assert.OK(err)
	wctx, err := worker.Dial(e.Self, e.Peers, e.SPSize)
	assert.OK(err)
	defer wctx.Close()
	a, err := loop.Assemble(cfg, wctx)
	assert.OK(err)
	d, err := utils.Measure(a.Loop.Run)
	assert.OK(err)
	log.Infof("trained %d steps in %s", cfg.Run.MaxSteps, d)
}

package step

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/trainflow/base"
	"github.com/videoml/trainflow/srcs/go/trainflow/collective/inproc"
	"github.com/videoml/trainflow/srcs/go/trainflow/model"
	"github.com/videoml/trainflow/srcs/go/trainflow/sched"
	"github.com/videoml/trainflow/srcs/go/trainflow/timestep"
	"github.com/videoml/trainflow/srcs/go/trainflow/worker"
	"github.com/videoml/trainflow/srcs/go/utils/warnonce"
)

type fakeStrategy struct {
	prepared  int
	forwards  int
	loss      float64
	lastBatch *TrainingBatch
	params    []*model.Parameter
}

func (s *fakeStrategy) PrepareBatch() (*TrainingBatch, error) {
	s.prepared++
	clean := make([]float32, 2*4)
	for i := range clean {
		clean[i] = float32(i) * 0.25
	}
	return &TrainingBatch{BatchSize: 2, SampleDim: 4, Clean: clean}, nil
}

func (s *fakeStrategy) ForwardAndLoss(b *TrainingBatch) (float64, error) {
	s.forwards++
	s.lastBatch = b
	return s.loss, nil
}

func (s *fakeStrategy) TrainableParameters() []*model.Parameter {
	return s.params
}

type fakeOptimizer struct{ steps, zeros int }

func (o *fakeOptimizer) Step([]*model.Parameter) error { o.steps++; return nil }
func (o *fakeOptimizer) ZeroGrad([]*model.Parameter)   { o.zeros++ }
func (o *fakeOptimizer) State() ([]byte, error)        { return nil, nil }
func (o *fakeOptimizer) Restore([]byte) error          { return nil }

type fakeScheduler struct{ steps int }

func (s *fakeScheduler) Step()                  { s.steps++ }
func (s *fakeScheduler) LastLR() float64        { return 0.5 }
func (s *fakeScheduler) State() ([]byte, error) { return nil, nil }
func (s *fakeScheduler) Restore([]byte) error   { return nil }

func singleWorker() *worker.Context {
	topo, _ := plan.NewTopology(1, 1)
	c := inproc.NewCluster(1)
	return worker.New(0, *topo, c.Communicator(0), c.Communicator(0))
}

func uniform(t *testing.T) timestep.Sampler {
	s, err := timestep.New(timestep.Uniform, timestep.Params{})
	require.NoError(t, err)
	return s
}

func Test_accumulationStepsOnce(t *testing.T) {
	const accum = 4
	strategy := &fakeStrategy{loss: 2}
	opt := &fakeOptimizer{}
	sch := &fakeScheduler{}
	e := New(Config{AccumSteps: accum, MaxGradNorm: 1}, singleWorker(), strategy, uniform(t),
		[]Group{{Optimizer: opt, Scheduler: sch}}, base.NewRNG(1), warnonce.New())
	res, err := e.Run(1)
	require.NoError(t, err)
	require.Equal(t, accum, strategy.prepared)
	require.Equal(t, accum, strategy.forwards)
	require.Equal(t, 1, opt.steps, "optimizer must step once per training step")
	require.Equal(t, 1, opt.zeros)
	require.Equal(t, 1, sch.steps, "scheduler must step once per training step")
	require.InDelta(t, 2.0, res.Loss, 1e-9, "accumulated loss is the mean of micro-batch losses")
	require.Equal(t, 0.5, res.LR)
}

func Test_noisyInput(t *testing.T) {
	strategy := &fakeStrategy{}
	e := New(Config{AccumSteps: 1, MaxGradNorm: 1}, singleWorker(), strategy, uniform(t),
		nil, base.NewRNG(2), warnonce.New())
	_, err := e.Run(1)
	require.NoError(t, err)
	b := strategy.lastBatch
	require.Len(t, b.Sigmas, b.BatchSize)
	for row := 0; row < b.BatchSize; row++ {
		s := float32(b.Sigmas[row])
		for i := row * b.SampleDim; i < (row+1)*b.SampleDim; i++ {
			require.InDelta(t, (1-s)*b.Clean[i]+s*b.Noise[i], b.Noisy[i], 1e-6)
		}
	}
}

func Test_lossAveragedAcrossWorld(t *testing.T) {
	const n = 2
	topo, err := plan.NewTopology(n, 1)
	require.NoError(t, err)
	world := inproc.NewCluster(n)
	results := make([]Result, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			sp := inproc.NewCluster(1)
			wctx := worker.New(rank, *topo, world.Communicator(rank), sp.Communicator(0))
			strategy := &fakeStrategy{loss: float64(rank + 1)} // 1 and 2
			e := New(Config{AccumSteps: 1, MaxGradNorm: 1}, wctx, strategy, uniform(t),
				nil, base.NewRNG(uint64(rank)), warnonce.New())
			res, err := e.Run(1)
			if err != nil {
				t.Error(err)
				return
			}
			results[rank] = res
		}(r)
	}
	wg.Wait()
	for rank, res := range results {
		require.InDelta(t, 1.5, res.Loss, 1e-9, "rank %d", rank)
	}
}

func Test_timestepsSharedWithinSPGroup(t *testing.T) {
	const spSize = 2
	topo, err := plan.NewTopology(spSize, spSize)
	require.NoError(t, err)
	world := inproc.NewCluster(spSize)
	sp := inproc.NewCluster(spSize)
	sigmas := make([][]float64, spSize)
	var wg sync.WaitGroup
	for r := 0; r < spSize; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			wctx := worker.New(rank, *topo, world.Communicator(rank), sp.Communicator(rank))
			strategy := &fakeStrategy{}
			e := New(Config{AccumSteps: 1, MaxGradNorm: 1}, wctx, strategy, uniform(t),
				nil, base.NewRNG(uint64(100+rank)), warnonce.New())
			if _, err := e.Run(1); err != nil {
				t.Error(err)
				return
			}
			sigmas[rank] = strategy.lastBatch.Sigmas
		}(r)
	}
	wg.Wait()
	require.Equal(t, sigmas[0], sigmas[1], "every member of an sp group must train on the leader's timesteps")
}

func Test_clipDegradationWarnsOnce(t *testing.T) {
	batches := sched.New[*TrainingBatch](SyntheticBatches(4, 1, 8, 9))
	strategy := &Distill{
		Generator:  model.NewSynthetic("g", 8, 1, base.NewRNG(1)).SetMesh("generator"),
		Critic:     model.NewSynthetic("c", 8, 1, base.NewRNG(2)).SetMesh("critic"),
		Batches:    batches,
		AccumSteps: 1,
	}
	latch := warnonce.New()
	e := New(Config{AccumSteps: 1, MaxGradNorm: 1}, singleWorker(), strategy, uniform(t),
		nil, base.NewRNG(3), latch)

	res1, err := e.Run(1)
	require.NoError(t, err)
	res2, err := e.Run(2)
	require.NoError(t, err)
	require.Zero(t, res1.GradNorm, "cross-mesh gradients report norm 0")
	require.Zero(t, res2.GradNorm, "later failures stay silent but still report norm 0")
	require.True(t, latch.Fired())
}

func Test_plainStrategyLearns(t *testing.T) {
	m := model.NewSynthetic("m", 8, 1, base.NewRNG(4))
	batches := sched.New[*TrainingBatch](SyntheticBatches(8, 1, 8, 5))
	strategy := &Plain{Model: m, Batches: batches, AccumSteps: 1}
	opt := model.NewAdamW(1e-2, 0)
	before := append([]float32(nil), m.Parameters()[0].Data...)
	e := New(Config{AccumSteps: 1, MaxGradNorm: 10}, singleWorker(), strategy, uniform(t),
		[]Group{{Params: strategy.TrainableParameters(), Optimizer: opt}}, base.NewRNG(6), warnonce.New())
	res, err := e.Run(1)
	require.NoError(t, err)
	require.Greater(t, res.Loss, 0.0)
	require.Greater(t, res.GradNorm, 0.0)
	require.NotEqual(t, before, m.Parameters()[0].Data, "optimizer step must move the parameters")
}

func Test_optimizerOwnsItsGroup(t *testing.T) {
	gen := model.NewSynthetic("g", 8, 1, base.NewRNG(11)).SetMesh("generator")
	critic := model.NewSynthetic("c", 8, 1, base.NewRNG(12)).SetMesh("critic")
	batches := sched.New[*TrainingBatch](SyntheticBatches(4, 1, 8, 13))
	strategy := &Distill{Generator: gen, Critic: critic, Batches: batches, AccumSteps: 1}

	genOpt := model.NewAdamW(1e-2, 1e-2)
	criticOpt := &fakeOptimizer{}
	genBefore := append([]float32(nil), gen.Parameters()[0].Data...)
	criticBefore := append([]float32(nil), critic.Parameters()[0].Data...)

	e := New(Config{AccumSteps: 1, MaxGradNorm: 10}, singleWorker(), strategy, uniform(t),
		[]Group{
			{Params: model.TrainableParameters(gen.Parameters()), Optimizer: genOpt},
			{Params: model.TrainableParameters(critic.Parameters()), Optimizer: criticOpt},
		}, base.NewRNG(14), warnonce.New())
	_, err := e.Run(1)
	require.NoError(t, err)

	require.NotEqual(t, genBefore, gen.Parameters()[0].Data)
	require.Equal(t, criticBefore, critic.Parameters()[0].Data,
		"the generator's optimizer must never update critic parameters")
	require.Equal(t, 1, criticOpt.steps)

	// both models use the same parameter names; moment buffers must not
	// be shared across groups through those names, so a critic with a
	// real optimizer lands the generator on the same weights
	gen2 := model.NewSynthetic("g", 8, 1, base.NewRNG(11)).SetMesh("generator")
	critic2 := model.NewSynthetic("c", 8, 1, base.NewRNG(12)).SetMesh("critic")
	batches2 := sched.New[*TrainingBatch](SyntheticBatches(4, 1, 8, 13))
	strategy2 := &Distill{Generator: gen2, Critic: critic2, Batches: batches2, AccumSteps: 1}
	e2 := New(Config{AccumSteps: 1, MaxGradNorm: 10}, singleWorker(), strategy2, uniform(t),
		[]Group{
			{Params: model.TrainableParameters(gen2.Parameters()), Optimizer: model.NewAdamW(1e-2, 1e-2)},
			{Params: model.TrainableParameters(critic2.Parameters()), Optimizer: model.NewAdamW(1e-2, 1e-2)},
		}, base.NewRNG(14), warnonce.New())
	_, err = e2.Run(1)
	require.NoError(t, err)
	require.Equal(t, gen.Parameters()[0].Data, gen2.Parameters()[0].Data,
		"critic updates must not bleed into the generator's moments")
}

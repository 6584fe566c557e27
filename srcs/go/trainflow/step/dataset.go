package step

import (
	"fmt"

	"github.com/videoml/trainflow/srcs/go/trainflow/base"
	"github.com/videoml/trainflow/srcs/go/trainflow/sched"
)

// SyntheticBatches builds a dataset of n pseudo-random micro-batches.
// Contents depend only on seed, so every rank sees the same data and a
// resumed run replays the same batches as an uninterrupted one.
func SyntheticBatches(n, batchSize, sampleDim int, seed uint64) *sched.SliceDataset[*TrainingBatch] {
	rng := base.NewRNG(seed)
	items := make([]*TrainingBatch, n)
	for i := range items {
		clean := make([]float32, batchSize*sampleDim)
		for j := range clean {
			clean[j] = float32(rng.NormFloat64())
		}
		captions := make([]string, batchSize)
		for j := range captions {
			captions[j] = fmt.Sprintf("sample-%d-%d", i, j)
		}
		items[i] = &TrainingBatch{
			BatchSize: batchSize,
			SampleDim: sampleDim,
			Clean:     clean,
			Captions:  captions,
		}
	}
	return &sched.SliceDataset[*TrainingBatch]{Items: items, Seed: seed}
}

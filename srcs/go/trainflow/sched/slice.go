package sched

import (
	"github.com/videoml/trainflow/srcs/go/trainflow/base"
)

// SliceDataset serves items from a fixed slice, reshuffled every epoch
// with a derived seed. It is the dataset used by single-machine runs
// over pre-extracted latents, and by tests.
type SliceDataset[T any] struct {
	Items []T
	Seed  uint64
}

func (d *SliceDataset[T]) Open(epoch int64) Iterator[T] {
	rng := base.NewRNG(d.Seed + uint64(epoch))
	return &sliceIterator[T]{
		items: d.Items,
		order: rng.Perm(len(d.Items)),
	}
}

type sliceIterator[T any] struct {
	items []T
	order []int
	pos   int
}

func (it *sliceIterator[T]) Next() (T, bool) {
	var zero T
	if it.pos >= len(it.order) {
		return zero, false
	}
	item := it.items[it.order[it.pos]]
	it.pos++
	return item, true
}

// Package sched drives batch delivery for the training loop. A
// Scheduler wraps a restartable dataset iterator, rolls over epochs
// transparently, and exposes a serializable cursor so a resumed run
// continues from the exact batch an interrupted run would have trained
// on next.
package sched

import (
	"github.com/pkg/errors"
)

// Cursor identifies the next batch to be delivered.
type Cursor struct {
	Epoch  int64
	Offset int64
}

// Dataset opens one pass over the data. Ordering may depend on the
// epoch (e.g. reshuffling), but Open must be deterministic: opening the
// same epoch twice yields the same sequence.
type Dataset[T any] interface {
	Open(epoch int64) Iterator[T]
}

// Iterator yields items of one pass. Next reports false when the pass
// is exhausted.
type Iterator[T any] interface {
	Next() (T, bool)
}

var ErrEmptyDataset = errors.New("dataset yields no items")

type Scheduler[T any] struct {
	ds     Dataset[T]
	cursor Cursor
	it     Iterator[T]
}

func New[T any](ds Dataset[T]) *Scheduler[T] {
	return &Scheduler[T]{ds: ds}
}

// Next returns the batch at the cursor and advances it, starting the
// next epoch when the current pass is exhausted.
func (s *Scheduler[T]) Next() (T, error) {
	var zero T
	if s.it == nil {
		s.it = s.ds.Open(s.cursor.Epoch)
	}
	item, ok := s.it.Next()
	if !ok {
		s.cursor.Epoch++
		s.cursor.Offset = 0
		s.it = s.ds.Open(s.cursor.Epoch)
		if item, ok = s.it.Next(); !ok {
			return zero, ErrEmptyDataset
		}
	}
	s.cursor.Offset++
	return item, nil
}

// Cursor returns the position of the next batch Next would deliver.
func (s *Scheduler[T]) Cursor() Cursor {
	return s.cursor
}

// Restore repositions the scheduler by reopening the cursor's epoch and
// skipping the consumed prefix.
func (s *Scheduler[T]) Restore(c Cursor) error {
	it := s.ds.Open(c.Epoch)
	for i := int64(0); i < c.Offset; i++ {
		if _, ok := it.Next(); !ok {
			return errors.Errorf("cursor offset %d past end of epoch %d", c.Offset, c.Epoch)
		}
	}
	s.cursor = c
	s.it = it
	return nil
}

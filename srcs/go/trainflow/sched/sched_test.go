package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type countingDataset struct {
	n     int
	opens []int64
}

func (d *countingDataset) Open(epoch int64) Iterator[int] {
	d.opens = append(d.opens, epoch)
	items := make([]int, d.n)
	for i := range items {
		items[i] = int(epoch)*d.n + i
	}
	return &sliceIterator[int]{items: items, order: identity(d.n)}
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func Test_epochRollover(t *testing.T) {
	ds := &countingDataset{n: 3}
	s := New[int](ds)
	var got []int
	for i := 0; i < 7; i++ {
		v, err := s.Next()
		require.NoError(t, err)
		got = append(got, v)
	}
	// two full epochs plus one batch of the third, no gaps at the seams
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, got)
	require.Equal(t, Cursor{Epoch: 2, Offset: 1}, s.Cursor())
	require.Equal(t, []int64{0, 1, 2}, ds.opens)
}

func Test_cursorRestore(t *testing.T) {
	ds := &countingDataset{n: 4}
	s := New[int](ds)
	for i := 0; i < 6; i++ {
		_, err := s.Next()
		require.NoError(t, err)
	}
	c := s.Cursor()

	fresh := New[int](&countingDataset{n: 4})
	require.NoError(t, fresh.Restore(c))
	a, err := s.Next()
	require.NoError(t, err)
	b, err := fresh.Next()
	require.NoError(t, err)
	require.Equal(t, a, b, "restored scheduler must deliver the same next batch")
}

func Test_restorePastEnd(t *testing.T) {
	s := New[int](&countingDataset{n: 2})
	require.Error(t, s.Restore(Cursor{Epoch: 0, Offset: 5}))
}

func Test_emptyDataset(t *testing.T) {
	s := New[int](&countingDataset{n: 0})
	_, err := s.Next()
	require.ErrorIs(t, err, ErrEmptyDataset)
}

func Test_sliceDatasetShuffle(t *testing.T) {
	ds := &SliceDataset[int]{Items: identity(16), Seed: 3}
	seen := make(map[int]bool)
	it := ds.Open(0)
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		seen[v] = true
	}
	require.Len(t, seen, 16, "every item appears once per epoch")

	// same epoch, same order
	a, b := ds.Open(2), ds.Open(2)
	for {
		x, okx := a.Next()
		y, oky := b.Next()
		require.Equal(t, okx, oky)
		if !okx {
			break
		}
		require.Equal(t, x, y)
	}
}

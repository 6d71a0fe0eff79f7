package dataset

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense NCHW batch of pixel intensities.
type Tensor struct {
	N, C, H, W int
	Data       []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(n, c, h, w int) Tensor {
	return Tensor{N: n, C: c, H: h, W: w, Data: make([]float64, n*c*h*w)}
}

// SampleSize is the number of values in one sample.
func (t Tensor) SampleSize() int {
	return t.C * t.H * t.W
}

// Sample returns a view of the i-th sample.
func (t Tensor) Sample(i int) []float64 {
	size := t.SampleSize()
	return t.Data[i*size : (i+1)*size]
}

// Gather copies the samples at idx into a new tensor, in idx order.
func (t Tensor) Gather(idx []int) Tensor {
	out := NewTensor(len(idx), t.C, t.H, t.W)
	for i, j := range idx {
		copy(out.Sample(i), t.Sample(j))
	}
	return out
}

// Slice returns samples [from, to) sharing the underlying storage.
func (t Tensor) Slice(from, to int) Tensor {
	if to > t.N {
		to = t.N
	}
	size := t.SampleSize()
	return Tensor{N: to - from, C: t.C, H: t.H, W: t.W, Data: t.Data[from*size : to*size]}
}

// Normalize rescales 0..255 intensities into 0..1 in place.
func Normalize(t *Tensor) {
	floats.Scale(1.0/255.0, t.Data)
}

// Split pairs model inputs with their high resolution targets.
type Split struct {
	Inputs  Tensor
	Targets Tensor
}

// Len is the number of paired samples.
func (s Split) Len() int {
	return s.Inputs.N
}

// Normalize rescales both inputs and targets.
func (s *Split) Normalize() {
	Normalize(&s.Inputs)
	Normalize(&s.Targets)
}

// Validate checks that inputs and targets agree on the batch dimension.
func (s Split) Validate() error {
	if s.Inputs.N != s.Targets.N {
		return errors.Errorf("split has %d inputs but %d targets", s.Inputs.N, s.Targets.N)
	}
	if s.Inputs.N == 0 {
		return ErrEmptySplit
	}
	if s.Inputs.C != s.Targets.C {
		return errors.Errorf("inputs have %d channels, targets %d", s.Inputs.C, s.Targets.C)
	}
	return nil
}

// Splits holds the three dataset partitions.
type Splits struct {
	Train Split
	Valid Split
	Test  Split
}

// Normalize rescales every split.
func (s *Splits) Normalize() {
	s.Train.Normalize()
	s.Valid.Normalize()
	s.Test.Normalize()
}

// Minibatches cuts order into contiguous chunks of at most size indices.
// The final chunk is shorter when len(order) is not a multiple of size.
func Minibatches(order []int, size int) [][]int {
	if size <= 0 {
		return nil
	}
	batches := make([][]int, 0, (len(order)+size-1)/size)
	for i := 0; i < len(order); i += size {
		end := i + size
		if end > len(order) {
			end = len(order)
		}
		batches = append(batches, order[i:end])
	}
	return batches
}

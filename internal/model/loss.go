package model

import (
	"github.com/born-ml/born/tensor"
)

// meanSquaredError returns mean((pred-target)^2) as a [1, 1] tensor. The
// mean is a product with a constant 1/n column so every step is recorded on
// the autodiff tape; nn.MSELoss reduces outside the tape.
func meanSquaredError[B tensor.Backend](pred, target *tensor.Tensor[float32, B], backend B) *tensor.Tensor[float32, B] {
	diff := pred.Sub(target)
	sq := diff.Mul(diff)
	n := sq.NumElements()
	avg := tensor.Full(tensor.Shape{n, 1}, 1/float32(n), backend)
	return sq.Reshape(1, n).MatMul(avg)
}

type bornLoss[B tensor.Backend] struct {
	t        *tensor.Tensor[float32, B]
	value    float64
	training bool
}

func (l *bornLoss[B]) Value() float64 {
	return l.value
}

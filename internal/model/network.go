package model

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// network is a conv/ReLU stack with a linear final convolution. It
// satisfies nn.Module so it can be written with nn.Save.
type network[B tensor.Backend] struct {
	convs []*nn.Conv2D[B]
	relus []*nn.ReLU[B]
}

func newNetwork[B tensor.Backend](a Arch, channels int, backend B) *network[B] {
	n := &network[B]{}
	in := channels
	for i, l := range a.Layers {
		out := l.Out
		if out == 0 {
			out = channels
		}
		n.convs = append(n.convs, nn.NewConv2D(in, out, l.Kernel, l.Kernel, 1, l.Padding, true, backend))
		if i < len(a.Layers)-1 {
			n.relus = append(n.relus, nn.NewReLU[B]())
		}
		in = out
	}
	return n
}

// Forward maps [N, C, H, W] inputs to [N, C, H', W'] predictions.
func (n *network[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x := input
	for i, conv := range n.convs {
		x = conv.Forward(x)
		if i < len(n.relus) {
			x = n.relus[i].Forward(x)
		}
	}
	return x
}

// Parameters returns weights and biases of every convolution, in order.
func (n *network[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 2*len(n.convs))
	for _, conv := range n.convs {
		params = append(params, conv.Parameters()...)
	}
	return params
}

// paramKey names the j-th parameter of the i-th convolution.
func paramKey(i, j int) string {
	if j == 0 {
		return fmt.Sprintf("conv%d.weight", i)
	}
	return fmt.Sprintf("conv%d.bias", i)
}

func (n *network[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor, 2*len(n.convs))
	for i, conv := range n.convs {
		for j, p := range conv.Parameters() {
			sd[paramKey(i, j)] = p.Tensor().Raw()
		}
	}
	return sd
}

func (n *network[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	for i, conv := range n.convs {
		for j, p := range conv.Parameters() {
			key := paramKey(i, j)
			src, ok := sd[key]
			if !ok {
				return errors.Errorf("checkpoint is missing %s", key)
			}
			dst := p.Tensor().Raw()
			if !src.Shape().Equal(dst.Shape()) {
				return errors.Errorf("%s: checkpoint shape %v, model shape %v", key, src.Shape(), dst.Shape())
			}
			copy(dst.AsFloat32(), src.AsFloat32())
		}
	}
	return nil
}

func (n *network[B]) numParameters() int {
	total := 0
	for _, p := range n.Parameters() {
		total += p.Tensor().NumElements()
	}
	return total
}

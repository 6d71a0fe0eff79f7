package model

import (
	"github.com/pkg/errors"
)

// ConvSpec describes one convolution of a plain conv/ReLU stack. Out == 0
// means "as many channels as the image".
type ConvSpec struct {
	Out     int
	Kernel  int
	Padding int
}

// Arch is a named stack of convolutions with ReLU between them.
type Arch struct {
	Name   string
	Layers []ConvSpec
}

// Shrink is how many pixels the stack removes from each spatial dimension.
func (a Arch) Shrink() int {
	total := 0
	for _, l := range a.Layers {
		total += l.Kernel - 1 - 2*l.Padding
	}
	return total
}

// OutputSize maps an input size to the prediction size.
func (a Arch) OutputSize(h, w int) (int, int) {
	s := a.Shrink()
	return h - s, w - s
}

var builtin = []Arch{
	{
		// Unpadded 9-5-3 stack: 8+4+2 = 14 pixels of border consumed.
		Name:   "basic_cnn_tail",
		Layers: []ConvSpec{{Out: 64, Kernel: 9}, {Out: 32, Kernel: 5}, {Kernel: 3}},
	},
	{
		// SRCNN 9-1-5 with same padding.
		Name:   "basic_cnn_middle",
		Layers: []ConvSpec{{Out: 64, Kernel: 9, Padding: 4}, {Out: 32, Kernel: 1}, {Kernel: 5, Padding: 2}},
	},
}

func init() {
	for _, a := range builtin {
		if err := Register(a, a.Factory()); err != nil {
			panic(err.Error())
		}
	}
}

// Factory returns a Factory that builds a Born-backed model for a.
func (a Arch) Factory() Factory {
	return func(opts Options) (Trainable, error) {
		if opts.Channels <= 0 {
			return nil, errors.Errorf("%s: channels must be > 0 (got %d)", a.Name, opts.Channels)
		}
		if len(a.Layers) == 0 {
			return nil, errors.Errorf("%s: no layers", a.Name)
		}
		return newSession(a, opts)
	}
}

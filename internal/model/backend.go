package model

import (
	"log"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/optim"
)

var _ optim.Optimizer = (*adam[*autodiff.Backend[*cpu.Backend]])(nil)

// newSession picks the compute backend. A negative GPU index means CPU.
func newSession(a Arch, opts Options) (Trainable, error) {
	if opts.GPU < 0 {
		return newBornSession(a, opts, cpu.New(), nil)
	}
	s, err := newGPUSession(a, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("model=%s backend=gpu device=%d", a.Name, opts.GPU)
	return s, nil
}

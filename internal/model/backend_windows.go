//go:build windows

package model

import (
	"github.com/born-ml/born/backend/webgpu"
	"github.com/pkg/errors"
)

func newGPUSession(a Arch, opts Options) (Trainable, error) {
	if !webgpu.IsAvailable() {
		return nil, errors.Errorf("gpu %d requested but no WebGPU adapter is available", opts.GPU)
	}
	gpu, err := webgpu.New()
	if err != nil {
		return nil, errors.Wrapf(err, "open gpu %d", opts.GPU)
	}
	s, err := newBornSession(a, opts, gpu, gpu.Release)
	if err != nil {
		gpu.Release()
		return nil, err
	}
	return s, nil
}

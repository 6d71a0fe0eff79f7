//go:build !windows

package model

import (
	"runtime"

	"github.com/pkg/errors"
)

func newGPUSession(a Arch, opts Options) (Trainable, error) {
	return nil, errors.Errorf("%s: gpu %d requested but GPU training is not supported on %s, use -gpu -1", a.Name, opts.GPU, runtime.GOOS)
}

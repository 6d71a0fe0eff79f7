package model

import (
	"os"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

const optimizerStateType = "OptimizerState"

// stateModule presents a bare state dict as an nn.Module so optimizer state
// travels through the same .born format as the parameters.
type stateModule[B tensor.Backend] struct {
	sd   map[string]*tensor.RawTensor
	load func(map[string]*tensor.RawTensor) error
}

func (m *stateModule[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input
}

func (m *stateModule[B]) Parameters() []*nn.Parameter[B] { return nil }

func (m *stateModule[B]) StateDict() map[string]*tensor.RawTensor { return m.sd }

func (m *stateModule[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	if m.load == nil {
		return nil
	}
	return m.load(sd)
}

// saveAtomic writes through a temporary file in the same directory and
// renames it into place, so a crash never leaves a truncated checkpoint.
func saveAtomic[B tensor.Backend](module nn.Module[B], path, modelType string, metadata map[string]string) error {
	tmp := path + ".tmp"
	if err := nn.Save[B](module, tmp, modelType, metadata); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "write %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", path)
	}
	return nil
}

func (s *session[X]) optimizerState() (map[string]*tensor.RawTensor, error) {
	if s.adam != nil {
		return s.adam.StateDict()
	}
	sd := make(map[string]*tensor.RawTensor, 2)
	var err error
	if sd["t"], err = stepRaw(s.steps); err != nil {
		return nil, err
	}
	if sd["lr"], err = scalarRaw(s.opt.GetLR()); err != nil {
		return nil, err
	}
	return sd, nil
}

func (s *session[X]) loadOptimizerState(sd map[string]*tensor.RawTensor) error {
	if t, ok := sd["t"]; ok {
		steps, err := readStep(t)
		if err != nil {
			return err
		}
		s.steps = steps
	}
	if s.adam != nil {
		return s.adam.LoadStateDict(sd)
	}
	return nil
}

// Save writes the parameters to modelPath and the optimizer state to
// statePath. Either path may be empty to skip that file.
func (s *session[X]) Save(modelPath, statePath string) (err error) {
	defer recoverError(&err, "save")
	if modelPath != "" {
		if err := saveAtomic[*autodiff.Backend[X]](s.net, modelPath, s.arch.Name, s.metadata); err != nil {
			return err
		}
	}
	if statePath != "" {
		sd, err := s.optimizerState()
		if err != nil {
			return errors.Wrap(err, "collect optimizer state")
		}
		state := &stateModule[*autodiff.Backend[X]]{sd: sd}
		if err := saveAtomic[*autodiff.Backend[X]](state, statePath, optimizerStateType, s.metadata); err != nil {
			return err
		}
	}
	return nil
}

func (s *session[X]) Load(modelPath, statePath string) (err error) {
	defer recoverError(&err, "load")
	header, err := nn.Load[*autodiff.Backend[X]](modelPath, s.backend, s.net)
	if err != nil {
		return errors.Wrapf(err, "load %s", modelPath)
	}
	if header.ModelType != s.arch.Name {
		return errors.Errorf("load %s: checkpoint is for %q, model is %q", modelPath, header.ModelType, s.arch.Name)
	}
	if statePath == "" {
		return nil
	}
	state := &stateModule[*autodiff.Backend[X]]{load: s.loadOptimizerState}
	if _, err := nn.Load[*autodiff.Backend[X]](statePath, s.backend, state); err != nil {
		return errors.Wrapf(err, "load %s", statePath)
	}
	return nil
}

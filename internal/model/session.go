package model

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"srcnn-forge/internal/dataset"
)

const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// session binds a network, its optimizer and the autodiff backend they run
// on. It is not safe for concurrent use.
type session[X tensor.Backend] struct {
	arch     Arch
	channels int
	backend  *autodiff.Backend[X]
	net      *network[*autodiff.Backend[X]]
	opt      optim.Optimizer
	adam     *adam[*autodiff.Backend[X]]
	steps    int
	grads    map[*tensor.RawTensor]*tensor.RawTensor
	training bool
	metadata map[string]string
	release  func()
}

func newBornSession[X tensor.Backend](a Arch, opts Options, inner X, release func()) (*session[X], error) {
	backend := autodiff.New(inner)
	s := &session[X]{
		arch:     a,
		channels: opts.Channels,
		backend:  backend,
		net:      newNetwork(a, opts.Channels, backend),
		metadata: map[string]string{},
		release:  release,
	}
	for k, v := range opts.Metadata {
		s.metadata[k] = v
	}
	s.metadata["arch"] = a.Name
	s.metadata["channels"] = fmt.Sprint(opts.Channels)

	lr := float32(opts.LearningRate)
	switch strings.ToLower(opts.Optimizer) {
	case "", OptimizerAdam:
		s.adam = newAdam(s.net.Parameters(), lr)
		s.opt = s.adam
		s.metadata["optimizer"] = OptimizerAdam
	case OptimizerSGD:
		s.opt = optim.NewSGD(s.net.Parameters(), optim.SGDConfig{LR: lr}, backend)
		s.metadata["optimizer"] = OptimizerSGD
	default:
		return nil, errors.Errorf("unknown optimizer %q", opts.Optimizer)
	}
	s.SetTraining(true)
	return s, nil
}

// recoverError turns a panic raised inside the tensor library into an error.
func recoverError(err *error, op string) {
	if r := recover(); r != nil {
		*err = errors.Errorf("%s: %v", op, r)
	}
}

func (s *session[X]) toTensor(t dataset.Tensor) (*tensor.Tensor[float32, *autodiff.Backend[X]], error) {
	data := make([]float32, len(t.Data))
	for i, v := range t.Data {
		data[i] = float32(v)
	}
	out, err := tensor.FromSlice(data, tensor.Shape{t.N, t.C, t.H, t.W}, s.backend)
	if err != nil {
		return nil, errors.Wrap(err, "convert batch")
	}
	return out, nil
}

func fromTensor[B tensor.Backend](t *tensor.Tensor[float32, B]) (dataset.Tensor, error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return dataset.Tensor{}, errors.Errorf("prediction has rank %d, want 4", len(shape))
	}
	out := dataset.NewTensor(shape[0], shape[1], shape[2], shape[3])
	for i, v := range t.Data() {
		out.Data[i] = float64(v)
	}
	return out, nil
}

func (s *session[X]) ForwardLoss(inputs, targets dataset.Tensor) (l Loss, err error) {
	defer recoverError(&err, "forward")
	if s.training {
		s.backend.Tape().Clear()
		s.opt.ZeroGrad()
		s.grads = nil
	}
	x, err := s.toTensor(inputs)
	if err != nil {
		return nil, err
	}
	y, err := s.toTensor(targets)
	if err != nil {
		return nil, err
	}
	pred := s.net.Forward(x)
	if !pred.Shape().Equal(y.Shape()) {
		return nil, errors.Errorf("prediction shape %v does not match target shape %v", pred.Shape(), y.Shape())
	}
	loss := meanSquaredError(pred, y, s.backend)
	return &bornLoss[*autodiff.Backend[X]]{
		t:        loss,
		value:    float64(loss.Data()[0]),
		training: s.training,
	}, nil
}

func (s *session[X]) Backward(loss Loss) (err error) {
	bl, ok := loss.(*bornLoss[*autodiff.Backend[X]])
	if !ok {
		return errors.Errorf("backward: loss of type %T was not produced by this model", loss)
	}
	if !bl.training || !s.training {
		return errors.New("backward: loss was computed in inference mode")
	}
	defer recoverError(&err, "backward")
	s.grads = autodiff.Backward(bl.t, s.backend)
	return nil
}

func (s *session[X]) Step() (err error) {
	if s.grads == nil {
		return errors.New("step: no gradients, call Backward first")
	}
	defer recoverError(&err, "step")
	s.opt.Step(s.grads)
	s.steps++
	s.grads = nil
	s.backend.Tape().Clear()
	return nil
}

func (s *session[X]) Predict(inputs dataset.Tensor) (out dataset.Tensor, err error) {
	if s.training {
		s.SetTraining(false)
		defer s.SetTraining(true)
	}
	defer recoverError(&err, "predict")
	x, err := s.toTensor(inputs)
	if err != nil {
		return dataset.Tensor{}, err
	}
	return fromTensor(s.net.Forward(x))
}

func (s *session[X]) SetTraining(training bool) {
	s.training = training
	tape := s.backend.Tape()
	tape.Clear()
	if training {
		tape.StartRecording()
	} else {
		tape.StopRecording()
	}
	s.grads = nil
}

func (s *session[X]) NumParameters() int {
	return s.net.numParameters()
}

func (s *session[X]) Close() error {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return nil
}

package model

import (
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// adam is the Adam update of born's optim package with its moment estimates
// exposed as a state dict, so my.state can carry them across runs.
type adam[B tensor.Backend] struct {
	params []*nn.Parameter[B]
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	t      int
	m      [][]float32
	v      [][]float32
}

func newAdam[B tensor.Backend](params []*nn.Parameter[B], lr float32) *adam[B] {
	return &adam[B]{
		params: params,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
}

func (a *adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++
	bc1 := float32(1 - math.Pow(float64(a.beta1), float64(a.t)))
	bc2 := float32(1 - math.Pow(float64(a.beta2), float64(a.t)))

	for i, p := range a.params {
		grad := grads[p.Tensor().Raw()]
		if grad == nil {
			continue
		}
		g := grad.AsFloat32()
		w := p.Tensor().Raw().AsFloat32()
		if a.m[i] == nil {
			a.m[i] = make([]float32, len(w))
			a.v[i] = make([]float32, len(w))
		}
		m, v := a.m[i], a.v[i]
		for k := range w {
			m[k] = a.beta1*m[k] + (1-a.beta1)*g[k]
			v[k] = a.beta2*v[k] + (1-a.beta2)*g[k]*g[k]
			mHat := m[k] / bc1
			vHat := v[k] / bc2
			w[k] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
		}
	}
}

func (a *adam[B]) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

func (a *adam[B]) GetLR() float32 {
	return a.lr
}

func momentKeys(i int) (string, string) {
	return fmt.Sprintf("m.%d", i), fmt.Sprintf("v.%d", i)
}

func scalarRaw(v float32) (*tensor.RawTensor, error) {
	raw, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	raw.AsFloat32()[0] = v
	return raw, nil
}

// stepRaw stores a step counter as int64 so it stays exact past 2^24.
func stepRaw(v int) (*tensor.RawTensor, error) {
	raw, err := tensor.NewRaw(tensor.Shape{1}, tensor.Int64, tensor.CPU)
	if err != nil {
		return nil, err
	}
	raw.AsInt64()[0] = int64(v)
	return raw, nil
}

func readStep(raw *tensor.RawTensor) (int, error) {
	if raw.DType() != tensor.Int64 || raw.NumElements() != 1 {
		return 0, errors.Errorf("step counter has dtype %v and %d elements, want one int64", raw.DType(), raw.NumElements())
	}
	return int(raw.AsInt64()[0]), nil
}

// StateDict exports the timestep, learning rate and both moments. Moments of
// parameters that never received a gradient are written as zeros.
func (a *adam[B]) StateDict() (map[string]*tensor.RawTensor, error) {
	sd := make(map[string]*tensor.RawTensor, 2+2*len(a.params))
	var err error
	if sd["t"], err = stepRaw(a.t); err != nil {
		return nil, err
	}
	if sd["lr"], err = scalarRaw(a.lr); err != nil {
		return nil, err
	}
	for i, p := range a.params {
		mk, vk := momentKeys(i)
		for key, src := range map[string][]float32{mk: a.m[i], vk: a.v[i]} {
			raw, err := tensor.NewRaw(p.Tensor().Shape(), tensor.Float32, tensor.CPU)
			if err != nil {
				return nil, errors.Wrapf(err, "allocate %s", key)
			}
			copy(raw.AsFloat32(), src)
			sd[key] = raw
		}
	}
	return sd, nil
}

// LoadStateDict restores what StateDict wrote. The learning rate is kept as
// configured.
func (a *adam[B]) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	t, ok := sd["t"]
	if !ok {
		return errors.New("optimizer state is missing t")
	}
	steps, err := readStep(t)
	if err != nil {
		return err
	}
	for i, p := range a.params {
		mk, vk := momentKeys(i)
		m, okM := sd[mk]
		v, okV := sd[vk]
		if !okM || !okV {
			return errors.Errorf("optimizer state is missing moments for parameter %d", i)
		}
		if !m.Shape().Equal(p.Tensor().Shape()) || !v.Shape().Equal(p.Tensor().Shape()) {
			return errors.Errorf("optimizer state for parameter %d has shape %v, want %v", i, m.Shape(), p.Tensor().Shape())
		}
		a.m[i] = append([]float32(nil), m.AsFloat32()...)
		a.v[i] = append([]float32(nil), v.AsFloat32()...)
	}
	a.t = steps
	return nil
}

package trainer

import (
	"bytes"
	"context"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srcnn-forge/internal/dataset"
	"srcnn-forge/internal/model"
	"srcnn-forge/internal/runlog"
)

const (
	validMarker = 1
	testMarker  = 2
)

type fakeLoss struct {
	v        float64
	training bool
}

func (l fakeLoss) Value() float64 { return l.v }

// fakeModel scripts one validation loss per evaluation round. A round starts
// each time the loop switches to inference mode.
type fakeModel struct {
	valLosses []float64
	testLoss  float64
	lossFn    func(inputs dataset.Tensor, training bool) float64
	failAt    int

	training   bool
	round      int
	steps      int
	batchSizes []int
	saveRounds []int
	predicted  []int
}

func newFake(valLosses ...float64) *fakeModel {
	return &fakeModel{valLosses: valLosses, testLoss: 0.5, training: true}
}

func (f *fakeModel) ForwardLoss(inputs, targets dataset.Tensor) (model.Loss, error) {
	if f.training {
		f.batchSizes = append(f.batchSizes, inputs.N)
		if f.failAt > 0 && len(f.batchSizes) == f.failAt {
			return nil, errors.New("boom")
		}
	}
	if f.lossFn != nil {
		return fakeLoss{v: f.lossFn(inputs, f.training), training: f.training}, nil
	}
	if f.training {
		return fakeLoss{v: 1, training: true}, nil
	}
	if inputs.Data[0] == testMarker {
		return fakeLoss{v: f.testLoss}, nil
	}
	i := f.round - 1
	if i >= len(f.valLosses) {
		i = len(f.valLosses) - 1
	}
	return fakeLoss{v: f.valLosses[i]}, nil
}

func (f *fakeModel) Backward(loss model.Loss) error {
	if !loss.(fakeLoss).training {
		return errors.New("inference loss")
	}
	return nil
}

func (f *fakeModel) Step() error {
	f.steps++
	return nil
}

func (f *fakeModel) Predict(inputs dataset.Tensor) (dataset.Tensor, error) {
	f.predicted = append(f.predicted, inputs.N)
	return inputs, nil
}

func (f *fakeModel) SetTraining(training bool) {
	if f.training && !training {
		f.round++
	}
	f.training = training
}

func (f *fakeModel) Save(modelPath, statePath string) error {
	f.saveRounds = append(f.saveRounds, f.round)
	return nil
}

func (f *fakeModel) Load(modelPath, statePath string) error { return nil }
func (f *fakeModel) NumParameters() int                     { return 0 }
func (f *fakeModel) Close() error                           { return nil }

type recordingPreview struct {
	epochs []int
}

func (r *recordingPreview) WriteEpoch(epoch int, outputs dataset.Tensor) error {
	r.epochs = append(r.epochs, epoch)
	return nil
}

func filled(n int, v float64) dataset.Tensor {
	t := dataset.NewTensor(n, 1, 2, 2)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func splits(nTrain, nValid, nTest int) dataset.Splits {
	return dataset.Splits{
		Train: dataset.Split{Inputs: filled(nTrain, 0), Targets: filled(nTrain, 0)},
		Valid: dataset.Split{Inputs: filled(nValid, validMarker), Targets: filled(nValid, 0)},
		Test:  dataset.Split{Inputs: filled(nTest, testMarker), Targets: filled(nTest, 0)},
	}
}

func runConfig(epochs, batch int) RunConfig {
	return RunConfig{
		Epochs:       epochs,
		BatchSize:    batch,
		ValBatchSize: 1000,
		Seed:         7,
		Policy:       DefaultPolicy(),
		Logger:       log.New(&bytes.Buffer{}, "", 0),
	}
}

func TestObserveExtendsPatienceOnlyPastThreshold(t *testing.T) {
	s := NewState(DefaultPolicy())
	s.BestValidationLoss = 10
	s.Patience = 100
	s.Iteration = 80

	improved, extended := s.Observe(9.9)
	assert.True(t, improved)
	assert.True(t, extended)
	assert.Equal(t, 160, s.Patience)
	assert.Equal(t, 9.9, s.BestValidationLoss)

	s.BestValidationLoss = 10
	s.Iteration = 200
	improved, extended = s.Observe(9.98)
	assert.True(t, improved)
	assert.False(t, extended)
	assert.Equal(t, 160, s.Patience)
	assert.Equal(t, 9.98, s.BestValidationLoss)
	assert.Equal(t, 200, s.BestIter)
}

func TestObserveIgnoresEqualOrWorse(t *testing.T) {
	s := NewState(DefaultPolicy())
	s.BestValidationLoss = 10
	for _, v := range []float64{10, 11, math.Inf(1), math.NaN()} {
		improved, extended := s.Observe(v)
		assert.False(t, improved)
		assert.False(t, extended)
	}
	assert.Equal(t, 10.0, s.BestValidationLoss)
}

func TestObserveMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := NewState(DefaultPolicy())
	for i := 0; i < 1000; i++ {
		s.Iteration += rng.Intn(500)
		patience, best := s.Patience, s.BestValidationLoss
		s.Observe(rng.Float64() * 10)
		assert.GreaterOrEqual(t, s.Patience, patience)
		assert.LessOrEqual(t, s.BestValidationLoss, best)
	}
}

func TestShouldStop(t *testing.T) {
	s := NewState(DefaultPolicy())
	s.Patience = 100
	s.Iteration = 99
	assert.False(t, s.ShouldStop())
	s.Iteration = 100
	assert.True(t, s.ShouldStop())
}

func TestRunStopsByEpochLimit(t *testing.T) {
	m := newFake(5, 4, 3)
	res, err := Run(context.Background(), runConfig(3, 4), m, splits(10, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, StoppedByEpochLimit, res.Status)
	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, 9, res.Iterations)
	assert.Equal(t, 3.0, res.BestValidationLoss)
	assert.Equal(t, 9, res.BestIter)
	assert.Equal(t, 0.5, res.TestScore)
}

func TestRunStopsByPatienceBeforePreview(t *testing.T) {
	cfg := runConfig(5, 1)
	cfg.Policy = Policy{Patience: 100, PatienceIncrease: 1, ImprovementThreshold: 0.997}
	preview := &recordingPreview{}
	cfg.Preview = preview
	cfg.PreviewEvery = 10
	cfg.PreviewCount = 2
	m := newFake(1)

	res, err := Run(context.Background(), cfg, m, splits(100, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, StoppedByPatience, res.Status)
	assert.Equal(t, 1, res.Epochs)
	assert.Equal(t, 100, res.Iterations)
	assert.Empty(t, preview.epochs)
}

func TestRunMinibatchCount(t *testing.T) {
	for _, tc := range []struct {
		n, batch, want int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{1, 32, 1},
		{33, 32, 2},
	} {
		m := newFake(1)
		res, err := Run(context.Background(), runConfig(2, tc.batch), m, splits(tc.n, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, 2*tc.want, res.Iterations, "n=%d batch=%d", tc.n, tc.batch)
		assert.Equal(t, 2*tc.want, m.steps)

		total := 0
		for _, b := range m.batchSizes {
			assert.LessOrEqual(t, b, tc.batch)
			total += b
		}
		assert.Equal(t, 2*tc.n, total)
	}
}

func TestRunCheckpointsOnlyOnImprovement(t *testing.T) {
	m := newFake(5, 6, 4, 4, 3)
	_, err := Run(context.Background(), runConfig(5, 2), m, splits(4, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, m.saveRounds)
}

func TestRunPreviewSchedule(t *testing.T) {
	cfg := runConfig(7, 2)
	preview := &recordingPreview{}
	cfg.Preview = preview
	cfg.PreviewEvery = 3
	cfg.PreviewCount = 5
	m := newFake(1)

	_, err := Run(context.Background(), cfg, m, splits(4, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 6}, preview.epochs)
	for _, n := range m.predicted {
		assert.Equal(t, 3, n)
	}
}

func TestShouldPreview(t *testing.T) {
	var got []int
	for epoch := 1; epoch <= 30; epoch++ {
		if shouldPreview(epoch, 10) {
			got = append(got, epoch)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 20, 30}, got)
	assert.False(t, shouldPreview(1, 0))
}

func TestRunHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newFake(1)
	_, err := Run(ctx, runConfig(3, 2), m, splits(4, 2, 2))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, m.steps)
}

func TestRunPropagatesModelErrors(t *testing.T) {
	m := newFake(1)
	m.failAt = 3
	_, err := Run(context.Background(), runConfig(3, 2), m, splits(4, 2, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "epoch 2")
}

func TestRunRejectsEmptySplit(t *testing.T) {
	_, err := Run(context.Background(), runConfig(1, 2), newFake(1), splits(4, 0, 2))
	assert.True(t, errors.Is(err, dataset.ErrEmptySplit))
}

func TestEvaluateWeightsByBatchSize(t *testing.T) {
	split := dataset.Split{Inputs: dataset.NewTensor(4, 1, 1, 1), Targets: dataset.NewTensor(4, 1, 1, 1)}
	copy(split.Inputs.Data, []float64{0, 1, 2, 3})
	m := newFake(1)
	m.lossFn = func(inputs dataset.Tensor, training bool) float64 {
		sum := 0.0
		for _, v := range inputs.Data {
			sum += v
		}
		return sum / float64(len(inputs.Data))
	}

	for _, batch := range []int{1, 3, 4, 100} {
		got, err := Evaluate(m, split, batch)
		require.NoError(t, err)
		assert.InDelta(t, 1.5, got, 1e-12, "batch=%d", batch)
	}
}

func TestRunPatienceExtensionKeepsTraining(t *testing.T) {
	cfg := runConfig(6, 1)
	cfg.Policy = Policy{Patience: 10, PatienceIncrease: 2, ImprovementThreshold: 0.997}

	halving := newFake(10, 5, 2.5, 1.25, 0.625, 0.3125)
	res, err := Run(context.Background(), cfg, halving, splits(8, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, StoppedByEpochLimit, res.Status)
	assert.Equal(t, 48, res.Iterations)
	assert.Equal(t, 48, res.BestIter)

	// Gains below the threshold never push patience past 2*8 = 16.
	creeping := newFake(10, 9.99, 9.98, 9.97, 9.96, 9.95)
	res, err = Run(context.Background(), cfg, creeping, splits(8, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, StoppedByPatience, res.Status)
	assert.Equal(t, 2, res.Epochs)
	assert.Equal(t, 16, res.Iterations)
}

func TestRunTrainMeanWeightsShortBatch(t *testing.T) {
	var logs bytes.Buffer
	cfg := runConfig(1, 2)
	cfg.Logger = log.New(&logs, "", 0)
	m := newFake(1)
	m.lossFn = func(inputs dataset.Tensor, training bool) float64 {
		return float64(inputs.N)
	}

	_, err := Run(context.Background(), cfg, m, splits(5, 1, 1))
	require.NoError(t, err)
	// Batches of 2, 2 and 1: (2*2 + 2*2 + 1*1) / 5, not (2+2+1) / 3.
	assert.Contains(t, logs.String(), "batches=3 samples=5 train_mean_loss=1.800000")
}

func TestRunCallsEpochEnd(t *testing.T) {
	cfg := runConfig(3, 2)
	calls := 0
	cfg.EpochEnd = func() error {
		calls++
		return nil
	}
	_, err := Run(context.Background(), cfg, newFake(1), splits(4, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 4, calls)

	cfg.EpochEnd = func() error { return errors.New("disk full") }
	_, err = Run(context.Background(), cfg, newFake(1), splits(4, 1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunFlushesRunLogEachEpoch(t *testing.T) {
	dir := t.TempDir()
	rl, err := runlog.Open(dir, &bytes.Buffer{}, "")
	require.NoError(t, err)
	defer rl.Close()

	cfg := runConfig(2, 2)
	cfg.Logger = rl.Logger
	cfg.EpochEnd = rl.Flush
	_, err = Run(context.Background(), cfg, newFake(3, 2), splits(4, 1, 1))
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(dir, runlog.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(body), "epoch=1 valid_mean_loss=3.000000")
	assert.Contains(t, string(body), "status=stopped_by_epoch_limit")
}

func TestEvaluateRejectsNonPositiveBatch(t *testing.T) {
	split := dataset.Split{Inputs: filled(2, 0), Targets: filled(2, 0)}
	for _, batch := range []int{0, -1} {
		_, err := Evaluate(newFake(1), split, batch)
		assert.Error(t, err, "batch=%d", batch)
	}
}

func TestTestScoreIsZeroUntilImprovement(t *testing.T) {
	s := NewState(DefaultPolicy())
	assert.Zero(t, s.TestScore)
	assert.False(t, math.IsNaN(s.TestScore))
}

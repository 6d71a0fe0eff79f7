package trainer

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"srcnn-forge/internal/dataset"
	"srcnn-forge/internal/metrics"
	"srcnn-forge/internal/model"
)

// Previewer receives inference output for the fixed preview sample.
type Previewer interface {
	WriteEpoch(epoch int, outputs dataset.Tensor) error
}

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Epochs       int
	BatchSize    int
	ValBatchSize int
	LogEvery     int
	Seed         int64
	Policy       Policy

	// ModelPath and StatePath receive the best checkpoint.
	ModelPath string
	StatePath string

	PreviewEvery int
	PreviewCount int
	Preview      Previewer

	Logger *log.Logger
	// EpochEnd runs after every epoch and before Run returns, typically to
	// flush the run log.
	EpochEnd func() error
}

// Result summarizes a finished run.
type Result struct {
	Status             Status
	Epochs             int
	Iterations         int
	BestValidationLoss float64
	BestIter           int
	TestScore          float64
}

func (c *RunConfig) validate() error {
	if c.Epochs <= 0 {
		return errors.New("trainer: epochs must be > 0")
	}
	if c.BatchSize <= 0 {
		return errors.New("trainer: batch size must be > 0")
	}
	if c.ValBatchSize <= 0 {
		c.ValBatchSize = c.BatchSize
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 100
	}
	if c.Policy.ImprovementThreshold <= 0 || c.Policy.ImprovementThreshold > 1 {
		return errors.Errorf("trainer: improvement threshold must be in (0, 1] (got %v)", c.Policy.ImprovementThreshold)
	}
	if c.Policy.PatienceIncrease < 1 {
		return errors.Errorf("trainer: patience increase must be >= 1 (got %d)", c.Policy.PatienceIncrease)
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// shouldPreview keeps the historical schedule: every epoch below every, then
// every multiple of it.
func shouldPreview(epoch, every int) bool {
	if every <= 0 {
		return false
	}
	return epoch < every || epoch%every == 0
}

// Run trains m on splits until patience runs out or the epoch limit is hit.
// The context is checked once per epoch.
func Run(ctx context.Context, cfg RunConfig, m model.Trainable, splits dataset.Splits) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	for name, s := range map[string]dataset.Split{"train": splits.Train, "valid": splits.Valid, "test": splits.Test} {
		if err := s.Validate(); err != nil {
			return Result{}, errors.Wrapf(err, "trainer: %s split", name)
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	logger := cfg.Logger
	state := NewState(cfg.Policy)
	result := func() Result {
		return Result{
			Status:             state.Status,
			Epochs:             state.Epoch,
			Iterations:         state.Iteration,
			BestValidationLoss: state.BestValidationLoss,
			BestIter:           state.BestIter,
			TestScore:          state.TestScore,
		}
	}

	endEpoch := func() error {
		if cfg.EpochEnd == nil {
			return nil
		}
		return errors.Wrap(cfg.EpochEnd(), "trainer: end of epoch")
	}

	nTrain := splits.Train.Len()
	var meter metrics.LossMeter
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return result(), err
		}
		state.Epoch = epoch
		start := time.Now()

		meter.Reset()
		if err := trainEpoch(m, splits.Train, rng.Perm(nTrain), cfg, state, &meter, logger); err != nil {
			return result(), errors.Wrapf(err, "epoch %d", epoch)
		}
		logger.Printf("epoch=%d iter=%d batches=%d samples=%d train_mean_loss=%.6f",
			epoch, state.Iteration, meter.Batches(), meter.Samples(), meter.Mean())

		m.SetTraining(false)
		valLoss, err := Evaluate(m, splits.Valid, cfg.ValBatchSize)
		if err != nil {
			m.SetTraining(true)
			return result(), errors.Wrapf(err, "epoch %d: validation", epoch)
		}
		logger.Printf("epoch=%d valid_mean_loss=%.6f", epoch, valLoss)

		prevBest := state.BestValidationLoss
		improved, extended := state.Observe(valLoss)
		if extended {
			logger.Printf("epoch=%d patience=%d iter=%d", epoch, state.Patience, state.Iteration)
		}
		if improved {
			testLoss, err := Evaluate(m, splits.Test, cfg.ValBatchSize)
			if err != nil {
				m.SetTraining(true)
				return result(), errors.Wrapf(err, "epoch %d: test", epoch)
			}
			state.TestScore = testLoss
			logger.Printf("epoch=%d best_valid=%.6f prev_best=%.6f best_iter=%d test_score=%.6f",
				epoch, valLoss, prevBest, state.BestIter, testLoss)
			if err := m.Save(cfg.ModelPath, cfg.StatePath); err != nil {
				m.SetTraining(true)
				return result(), errors.Wrapf(err, "epoch %d: checkpoint", epoch)
			}
		}
		m.SetTraining(true)

		if state.ShouldStop() {
			state.Status = StoppedByPatience
			logger.Printf("epoch=%d iter=%d patience=%d status=%s", epoch, state.Iteration, state.Patience, state.Status)
			return result(), endEpoch()
		}

		if cfg.Preview != nil && shouldPreview(epoch, cfg.PreviewEvery) {
			if err := writePreview(m, splits.Test.Inputs, epoch, cfg); err != nil {
				return result(), errors.Wrapf(err, "epoch %d: preview", epoch)
			}
		}

		elapsed := time.Since(start)
		logger.Printf("epoch=%d time_sec=%.2f images_per_sec=%.1f",
			epoch, elapsed.Seconds(), float64(nTrain)/elapsed.Seconds())
		if err := endEpoch(); err != nil {
			return result(), err
		}
	}

	state.Status = StoppedByEpochLimit
	logger.Printf("epoch=%d iter=%d status=%s", state.Epoch, state.Iteration, state.Status)
	return result(), endEpoch()
}

func trainEpoch(m model.Trainable, split dataset.Split, order []int, cfg RunConfig, state *State, meter *metrics.LossMeter, logger *log.Logger) error {
	var window metrics.Window
	for _, idx := range dataset.Minibatches(order, cfg.BatchSize) {
		state.Iteration++

		startData := time.Now()
		inputs := split.Inputs.Gather(idx)
		targets := split.Targets.Gather(idx)
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := m.ForwardLoss(inputs, targets)
		if err != nil {
			return err
		}
		if err := m.Backward(loss); err != nil {
			return err
		}
		if err := m.Step(); err != nil {
			return err
		}
		computeTime := time.Since(startCompute)

		meter.Add(loss.Value(), len(idx))
		window.Record(len(idx), dataTime, computeTime, loss.Value())

		if state.Iteration%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			logger.Printf("iter=%d epoch=%d steps=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.6f",
				state.Iteration,
				state.Epoch,
				snap.Steps,
				snap.ImagesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.LastLoss,
			)
		}
	}
	return nil
}

// Evaluate returns the size-weighted mean loss of m over split in contiguous
// batches. The caller decides the training mode.
func Evaluate(m model.Trainable, split dataset.Split, batchSize int) (float64, error) {
	if batchSize <= 0 {
		return 0, errors.Errorf("evaluate: batch size must be > 0 (got %d)", batchSize)
	}
	n := split.Len()
	if n == 0 {
		return 0, dataset.ErrEmptySplit
	}
	var meter metrics.LossMeter
	for from := 0; from < n; from += batchSize {
		to := from + batchSize
		loss, err := m.ForwardLoss(split.Inputs.Slice(from, to), split.Targets.Slice(from, to))
		if err != nil {
			return 0, err
		}
		batch := to - from
		if to > n {
			batch = n - from
		}
		meter.Add(loss.Value(), batch)
	}
	return meter.Mean(), nil
}

func writePreview(m model.Trainable, inputs dataset.Tensor, epoch int, cfg RunConfig) error {
	count := cfg.PreviewCount
	if count > inputs.N {
		count = inputs.N
	}
	if count <= 0 {
		return nil
	}
	out, err := m.Predict(inputs.Slice(0, count))
	if err != nil {
		return err
	}
	return cfg.Preview.WriteEpoch(epoch, out)
}

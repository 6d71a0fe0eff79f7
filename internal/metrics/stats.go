package metrics

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LossMeter accumulates per-batch mean losses weighted by batch size, so a
// short final minibatch contributes in proportion to its samples.
type LossMeter struct {
	losses  []float64
	weights []float64
	samples int
}

// Add records the mean loss of a batch holding n samples.
func (m *LossMeter) Add(loss float64, n int) {
	m.losses = append(m.losses, loss)
	m.weights = append(m.weights, float64(n))
	m.samples += n
}

// Mean returns the size-weighted mean loss, or NaN when nothing was recorded.
func (m *LossMeter) Mean() float64 {
	if m.samples == 0 {
		return math.NaN()
	}
	return stat.Mean(m.losses, m.weights)
}

// Batches is the number of recorded batches.
func (m *LossMeter) Batches() int {
	return len(m.losses)
}

// Samples is the total number of recorded samples.
func (m *LossMeter) Samples() int {
	return m.samples
}

// Reset clears the meter for reuse.
func (m *LossMeter) Reset() {
	m.losses = m.losses[:0]
	m.weights = m.weights[:0]
	m.samples = 0
}

// Window accumulates timing stats across multiple steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
}

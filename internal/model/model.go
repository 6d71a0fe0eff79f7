// Package model holds the super-resolution networks and the narrow training
// surface the control loop drives.
package model

import (
	"srcnn-forge/internal/dataset"
)

// Loss is the handle a forward pass returns; Backward consumes it.
type Loss interface {
	Value() float64
}

// Trainable is what the training loop needs from a network and its optimizer.
type Trainable interface {
	// ForwardLoss computes the mean squared error of the prediction for
	// inputs against targets.
	ForwardLoss(inputs, targets dataset.Tensor) (Loss, error)
	// Backward computes gradients for a loss returned in training mode.
	Backward(loss Loss) error
	// Step applies the pending gradients.
	Step() error
	// Predict runs inference.
	Predict(inputs dataset.Tensor) (dataset.Tensor, error)
	// SetTraining switches between training and inference mode. Inference
	// mode records no gradients.
	SetTraining(training bool)
	// Save writes parameters and optimizer state.
	Save(modelPath, statePath string) error
	// Load restores what Save wrote. statePath may be empty to restore
	// parameters only.
	Load(modelPath, statePath string) error
	NumParameters() int
	Close() error
}

// Options configures a model built by a Factory.
type Options struct {
	Channels     int
	GPU          int
	Optimizer    string
	LearningRate float64
	// Metadata is stored in checkpoint headers.
	Metadata map[string]string
}

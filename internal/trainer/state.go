package trainer

import "math"

// Status is the lifecycle of a run.
type Status int

const (
	Running Status = iota
	StoppedByPatience
	StoppedByEpochLimit
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case StoppedByPatience:
		return "stopped_by_patience"
	case StoppedByEpochLimit:
		return "stopped_by_epoch_limit"
	default:
		return "unknown"
	}
}

// Policy holds the early-stopping knobs.
type Policy struct {
	Patience             int
	PatienceIncrease     int
	ImprovementThreshold float64
}

// DefaultPolicy is the classic early-stopping setup: 30000 iterations of
// patience, doubled on every improvement better than 0.3%.
func DefaultPolicy() Policy {
	return Policy{
		Patience:             30000,
		PatienceIncrease:     2,
		ImprovementThreshold: 0.997,
	}
}

// State is the run-scoped bookkeeping of the control loop.
type State struct {
	Status             Status
	Epoch              int
	Iteration          int
	BestValidationLoss float64
	BestIter           int
	Patience           int
	TestScore          float64

	policy Policy
}

// NewState returns the initial state for policy p.
func NewState(p Policy) *State {
	return &State{
		Status:             Running,
		BestValidationLoss: math.Inf(1),
		Patience:           p.Patience,
		policy:             p,
	}
}

// Observe folds a validation loss measured at the current iteration into the
// state. improved reports a new best (strictly lower); extended reports that
// patience was pushed out because the gain beat the relative threshold.
func (s *State) Observe(val float64) (improved, extended bool) {
	if !(val < s.BestValidationLoss) {
		return false, false
	}
	if val < s.BestValidationLoss*s.policy.ImprovementThreshold {
		if grown := s.Iteration * s.policy.PatienceIncrease; grown > s.Patience {
			s.Patience = grown
		}
		extended = true
	}
	s.BestValidationLoss = val
	s.BestIter = s.Iteration
	return true, extended
}

// ShouldStop reports whether patience has run out.
func (s *State) ShouldStop() bool {
	return s.Patience <= s.Iteration
}

// Package executor applies optimization changes to the infrastructure.
//
// The optimizers never touch infrastructure directly; they hand a Change to
// an Executor and keep the returned undo state so the change can be reverted
// later. Implementations:
//
//   - Simulated: seeded, probabilistic stand-in for development clusters
//   - Kubernetes: scales and patches Deployments through client-go
//   - Fake: deterministic recorder for tests
//   - Throttled: rate-limits any other executor
package executor

import (
	"context"
	"math"
)

// Well-known change parameters.
const (
	// ParamReplicas is a replica count delta for scale-out/in changes.
	ParamReplicas = "replicas"
	// ParamFactor multiplies resource requests and limits.
	ParamFactor = "factor"
)

// Change is one concrete change to apply.
type Change struct {
	// ID of the action or cost optimization that produced the change.
	ID string
	// Kind is the action or cost optimization type, e.g. SCALE_OUT or
	// RIGHT_SIZING.
	Kind       string
	Resource   string
	Parameters map[string]float64
}

// Param returns a parameter or def when it is unset.
func (c Change) Param(name string, def float64) float64 {
	if v, ok := c.Parameters[name]; ok {
		return v
	}
	return def
}

// Outcome is what an applied change reports back.
type Outcome struct {
	// ImpactFactor scales the expected impact into the measured one. 1 means
	// the change did exactly what was expected.
	ImpactFactor float64
	// Undo is opaque state that Revert needs to restore the previous
	// configuration.
	Undo map[string]string
}

// Executor applies and reverts changes.
type Executor interface {
	Apply(ctx context.Context, c Change) (*Outcome, error)
	Revert(ctx context.Context, c Change, undo map[string]string) error
}

// ClampImpactFactor bounds a reported factor to 0.8-1.2. Zero and NaN are
// read as 1.
func ClampImpactFactor(f float64) float64 {
	if f == 0 || math.IsNaN(f) {
		return 1
	}
	return math.Max(0.8, math.Min(1.2, f))
}

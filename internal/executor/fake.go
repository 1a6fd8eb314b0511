package executor

import (
	"context"
	"sync"
)

// Fake records every call and returns scripted results.
type Fake struct {
	mu sync.Mutex

	// Factor is the impact factor reported by Apply; 0 reports 1.
	Factor float64
	// ApplyErr, when set, fails every Apply.
	ApplyErr error
	// FailKinds fails Apply for the listed change kinds only.
	FailKinds map[string]error
	// RevertErr, when set, fails every Revert.
	RevertErr error

	Applied  []Change
	Reverted []Change
}

// NewFake returns a Fake that succeeds with factor 1.
func NewFake() *Fake {
	return &Fake{Factor: 1}
}

func (f *Fake) Apply(ctx context.Context, c Change) (*Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApplyErr != nil {
		return nil, f.ApplyErr
	}
	if err := f.FailKinds[c.Kind]; err != nil {
		return nil, err
	}
	f.Applied = append(f.Applied, c)
	factor := f.Factor
	if factor == 0 {
		factor = 1
	}
	return &Outcome{ImpactFactor: factor, Undo: map[string]string{"change": c.ID}}, nil
}

func (f *Fake) Revert(ctx context.Context, c Change, undo map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RevertErr != nil {
		return f.RevertErr
	}
	f.Reverted = append(f.Reverted, c)
	return nil
}

// AppliedCount is the number of successful Apply calls.
func (f *Fake) AppliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Applied)
}

// RevertedCount is the number of successful Revert calls.
func (f *Fake) RevertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Reverted)
}

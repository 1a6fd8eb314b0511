package executor

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Simulated keeps resource parameters in memory and fails a configurable
// share of changes. With a fixed seed its behavior is reproducible.
type Simulated struct {
	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
	state       map[string]map[string]float64
	logger      *zap.Logger
}

// NewSimulated creates a simulated executor. failureRate is clamped to [0, 1].
func NewSimulated(seed int64, failureRate float64, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	return &Simulated{
		rng:         rand.New(rand.NewSource(seed)),
		failureRate: failureRate,
		state:       make(map[string]map[string]float64),
		logger:      logger,
	}
}

// Apply stores the change parameters for the resource. The impact factor is
// drawn uniformly from 0.8-1.2.
func (s *Simulated) Apply(ctx context.Context, c Change) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rng.Float64() < s.failureRate {
		s.logger.Info("simulated change failed", zap.String("change", c.ID), zap.String("kind", c.Kind))
		return nil, fmt.Errorf("simulated failure applying %s to %s", c.Kind, c.Resource)
	}

	cur := s.state[c.Resource]
	undo := make(map[string]string, len(c.Parameters))
	next := make(map[string]float64, len(cur)+len(c.Parameters))
	for k, v := range cur {
		next[k] = v
	}
	for k, v := range c.Parameters {
		if prev, ok := cur[k]; ok {
			undo[k] = strconv.FormatFloat(prev, 'g', -1, 64)
		} else {
			undo[k] = ""
		}
		next[k] = v
	}
	s.state[c.Resource] = next

	factor := 0.8 + 0.4*s.rng.Float64()
	s.logger.Info("simulated change applied",
		zap.String("change", c.ID),
		zap.String("kind", c.Kind),
		zap.String("resource", c.Resource),
		zap.Float64("impact_factor", factor),
	)
	return &Outcome{ImpactFactor: factor, Undo: undo}, nil
}

// Revert restores the parameters captured by Apply. An empty undo value
// means the parameter did not exist before.
func (s *Simulated) Revert(ctx context.Context, c Change, undo map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state[c.Resource]
	if cur == nil {
		cur = make(map[string]float64)
		s.state[c.Resource] = cur
	}
	for k, raw := range undo {
		if raw == "" {
			delete(cur, k)
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("undo state for %s: %w", k, err)
		}
		cur[k] = v
	}
	s.logger.Info("simulated change reverted", zap.String("change", c.ID), zap.String("resource", c.Resource))
	return nil
}

// State returns a copy of the simulated parameters of resource.
func (s *Simulated) State(resource string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.state[resource]))
	for k, v := range s.state[resource] {
		out[k] = v
	}
	return out
}

// Package registry holds per-metric models for one owning component.
//
// A Registry replaces process-global model maps: the predictor and the
// detector each own one, load it at start, and flush it at stop. Mutations go
// through Update so the registry lock covers them, and are written through to
// the store; Save flushes anything whose write-through failed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
)

// Registry maps metric names to models of type M.
type Registry[M any] struct {
	mu      sync.RWMutex
	store   db.RecordStore
	prefix  string
	models  map[string]*M
	dirty   map[string]bool
	newM    func(metric string) *M
	nameOf  func(*M) string
	cloneOf func(*M) *M
}

// Options configure a Registry.
type Options[M any] struct {
	// Prefix separates model families within the "model" record kind,
	// e.g. "prediction" stores under model:prediction:<metric>.
	Prefix string
	// New builds a fresh model for a metric seen for the first time.
	New func(metric string) *M
	// Name returns the metric name a model belongs to.
	Name func(*M) string
	// Clone returns an independent copy for readers.
	Clone func(*M) *M
}

// New creates an empty registry backed by store.
func New[M any](store db.RecordStore, opts Options[M]) *Registry[M] {
	return &Registry[M]{
		store:   store,
		prefix:  opts.Prefix,
		models:  make(map[string]*M),
		dirty:   make(map[string]bool),
		newM:    opts.New,
		nameOf:  opts.Name,
		cloneOf: opts.Clone,
	}
}

func (r *Registry[M]) id(metric string) string {
	return r.prefix + ":" + metric
}

// Load replaces the in-memory models with the persisted ones of this family.
func (r *Registry[M]) Load(ctx context.Context) (int, error) {
	raws, err := r.store.ListRecords(ctx, db.KindModel)
	if err != nil {
		return 0, fmt.Errorf("load %s models: %w", r.prefix, err)
	}
	loaded := make(map[string]*M)
	for _, raw := range raws {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Family != r.prefix {
			continue
		}
		m := new(M)
		if err := json.Unmarshal(env.Model, m); err != nil {
			continue
		}
		loaded[r.nameOf(m)] = m
	}

	r.mu.Lock()
	r.models = loaded
	r.dirty = make(map[string]bool)
	r.mu.Unlock()
	return len(loaded), nil
}

// envelope tags stored models with their family so predictor and detector
// models can share the "model" kind.
type envelope struct {
	Family string          `json:"family"`
	Model  json.RawMessage `json:"model"`
}

func (r *Registry[M]) persistLocked(ctx context.Context, metric string, m *M) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s model %s: %w", r.prefix, metric, err)
	}
	env := envelope{Family: r.prefix, Model: body}
	if err := r.store.PutRecord(ctx, db.KindModel, r.id(metric), env, 0); err != nil {
		r.dirty[metric] = true
		return err
	}
	delete(r.dirty, metric)
	return nil
}

// Get returns a copy of the model for metric, creating and persisting it on
// first use. A persistence failure still returns the new model.
func (r *Registry[M]) Get(ctx context.Context, metric string) (*M, error) {
	r.mu.RLock()
	m, ok := r.models[metric]
	if ok {
		out := r.cloneOf(m)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[metric]; ok {
		return r.cloneOf(m), nil
	}
	m = r.newM(metric)
	r.models[metric] = m
	err := r.persistLocked(ctx, metric, m)
	return r.cloneOf(m), err
}

// Update mutates the model for metric in place and writes it through.
func (r *Registry[M]) Update(ctx context.Context, metric string, fn func(*M)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[metric]
	if !ok {
		m = r.newM(metric)
		r.models[metric] = m
	}
	fn(m)
	return r.persistLocked(ctx, metric, m)
}

// Save flushes every model. It is called at stop.
func (r *Registry[M]) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for metric, m := range r.models {
		if err := r.persistLocked(ctx, metric, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dirty returns the number of models whose last write failed.
func (r *Registry[M]) Dirty() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dirty)
}

// Metrics lists the metric names with a model.
func (r *Registry[M]) Metrics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for k := range r.models {
		out = append(out, k)
	}
	return out
}

// Len is the number of models.
func (r *Registry[M]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

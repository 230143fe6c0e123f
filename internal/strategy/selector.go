package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MaxWeight caps a learned success weight.
const MaxWeight = 100

// ErrNoProfile is returned when no profile validated, even after the
// late-render retry.
var ErrNoProfile = errors.New("strategy: no profile validated a container")

// WeightStore persists the success-weight table as a flat id -> score map.
type WeightStore interface {
	Load(ctx context.Context) (map[string]int, error)
	Save(ctx context.Context, weights map[string]int) error
}

// Increment returns the next weight after a success at w. The step is
// 1 + w/20, so it never shrinks as w grows, and the result is capped at
// MaxWeight.
func Increment(w int) int {
	if w < 0 {
		w = 0
	}
	next := w + 1 + w/20
	if next > MaxWeight {
		next = MaxWeight
	}
	return next
}

// Check validates one profile against the current tree.
type Check func(ctx context.Context, p Profile) bool

// Selector ranks profiles by priority plus learned weight and returns the
// first one whose check passes.
type Selector struct {
	mu         sync.Mutex
	weights    map[string]int
	store      WeightStore
	catalog    []Profile
	retryDelay time.Duration
	logger     *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithRetryDelay sets the pause before the single retry. Default 1.5s.
func WithRetryDelay(d time.Duration) SelectorOption {
	return func(s *Selector) { s.retryDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SelectorOption {
	return func(s *Selector) { s.logger = l }
}

// WithCatalog replaces the built-in catalog (tests, custom deployments).
func WithCatalog(c []Profile) SelectorOption {
	return func(s *Selector) { s.catalog = c }
}

// NewSelector creates a Selector persisting weights to store.
func NewSelector(store WeightStore, opts ...SelectorOption) *Selector {
	s := &Selector{
		weights:    make(map[string]int),
		store:      store,
		catalog:    Catalog(),
		retryDelay: 1500 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load reads the weight table from the store, replacing the in-memory one.
func (s *Selector) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	w, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("strategy: load weights: %w", err)
	}
	s.mu.Lock()
	s.weights = make(map[string]int, len(w))
	for id, v := range w {
		s.weights[id] = clamp(v)
	}
	s.mu.Unlock()
	return nil
}

// Weight returns the learned weight of a profile.
func (s *Selector) Weight(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights[id]
}

// Weights returns a copy of the weight table.
func (s *Selector) Weights() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.weights))
	for k, v := range s.weights {
		out[k] = v
	}
	return out
}

// Rank orders the profiles applicable to v by priority + weight,
// highest first; ties keep catalog order.
func (s *Selector) Rank(v Variant) []Profile {
	var ps []Profile
	for _, p := range s.catalog {
		if p.Variant == v || p.Variant == VariantGeneric {
			ps = append(ps, p)
		}
	}
	s.mu.Lock()
	score := make(map[string]int, len(ps))
	for _, p := range ps {
		score[p.ID] = p.Priority + s.weights[p.ID]
	}
	s.mu.Unlock()
	sort.SliceStable(ps, func(i, j int) bool { return score[ps[i].ID] > score[ps[j].ID] })
	return ps
}

// Select returns the best profile for v whose check passes. When none
// passes it waits the retry delay and walks the ranking once more. A
// success bumps the winner's weight and persists the table; failures
// never lower a weight.
func (s *Selector) Select(ctx context.Context, v Variant, check Check) (Profile, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.logger.Debug("strategy: no profile passed, retrying", "variant", v, "delay", s.retryDelay)
			select {
			case <-ctx.Done():
				return Profile{}, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
		for _, p := range s.Rank(v) {
			if ctx.Err() != nil {
				return Profile{}, ctx.Err()
			}
			if !check(ctx, p) {
				continue
			}
			w, err := s.RecordSuccess(ctx, p.ID)
			if err != nil {
				s.logger.Warn("strategy: persist weights failed", "profile", p.ID, "error", err)
			}
			s.logger.Info("strategy: profile selected", "profile", p.ID, "variant", v, "weight", w, "attempt", attempt+1)
			return p, nil
		}
	}
	return Profile{}, ErrNoProfile
}

// RecordSuccess bumps the weight of id and saves the whole table. It
// returns the new weight; the in-memory weight is updated even when the
// save fails.
func (s *Selector) RecordSuccess(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	w := Increment(s.weights[id])
	s.weights[id] = w
	snapshot := make(map[string]int, len(s.weights))
	for k, v := range s.weights {
		snapshot[k] = v
	}
	s.mu.Unlock()
	if s.store == nil {
		return w, nil
	}
	if err := s.store.Save(ctx, snapshot); err != nil {
		return w, fmt.Errorf("strategy: save weights: %w", err)
	}
	return w, nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxWeight {
		return MaxWeight
	}
	return v
}

// MemoryWeights is an in-memory WeightStore.
type MemoryWeights struct {
	mu    sync.Mutex
	m     map[string]int
	saves int
}

// NewMemoryWeights returns a store preloaded with initial (may be nil).
func NewMemoryWeights(initial map[string]int) *MemoryWeights {
	m := make(map[string]int, len(initial))
	for k, v := range initial {
		m[k] = v
	}
	return &MemoryWeights{m: m}
}

func (w *MemoryWeights) Load(context.Context) (map[string]int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.m))
	for k, v := range w.m {
		out[k] = v
	}
	return out, nil
}

func (w *MemoryWeights) Save(_ context.Context, weights map[string]int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.m = make(map[string]int, len(weights))
	for k, v := range weights {
		w.m[k] = v
	}
	w.saves++
	return nil
}

// Saves returns how many times Save was called.
func (w *MemoryWeights) Saves() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saves
}

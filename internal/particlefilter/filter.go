// Package particlefilter implements a sequential importance resampling
// filter over an arbitrary state type. A Filter is not safe for concurrent
// use; its owner serialises access.
package particlefilter

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrDegenerated is returned by Update when every particle is inconsistent
// with the observation and the total weight collapses to zero.
var ErrDegenerated = errors.New("particle filter degenerated")

// Particle is one weighted hypothesis.
type Particle[T any] struct {
	Weight    float64
	Timestamp int64 // epoch ms
	Data      T
}

// Model supplies the domain motion and observation functions.
type Model[T, O any] interface {
	// Initialize samples up to n hypotheses consistent with obs.
	Initialize(ts int64, obs O, n int, rng *rand.Rand) ([]T, error)
	// Transition advances prev to ts.
	Transition(prev T, ts int64, obs O, rng *rand.Rand) (T, error)
	// Likelihood returns a non-negative, unnormalised weight for state given obs.
	Likelihood(state T, obs O) float64
}

type Filter[T, O any] struct {
	model Model[T, O]
	count int
	rng   *rand.Rand

	weighted    []Particle[T]
	sampled     []Particle[T]
	lastUpdated int64
}

// New returns an empty filter drawing count particles per generation.
func New[T, O any](model Model[T, O], count int, rng *rand.Rand) *Filter[T, O] {
	if count < 1 {
		count = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Filter[T, O]{model: model, count: count, rng: rng}
}

// SetCount changes the population size used from the next initialisation or
// resample on.
func (f *Filter[T, O]) SetCount(n int) {
	if n >= 1 {
		f.count = n
	}
}

func (f *Filter[T, O]) Count() int { return f.count }

// Reset discards all particles and the last update time.
func (f *Filter[T, O]) Reset() {
	f.weighted = nil
	f.sampled = nil
	f.lastUpdated = 0
}

// Empty reports whether the next Update will initialise a new population.
func (f *Filter[T, O]) Empty() bool { return len(f.sampled) == 0 }

// LastUpdated returns the time of the last successful update, or 0.
func (f *Filter[T, O]) LastUpdated() int64 { return f.lastUpdated }

// Update advances the population to ts and conditions it on obs. On
// ErrDegenerated the failed weighted set stays available through
// WeightedParticles and the previous sampled population is kept.
func (f *Filter[T, O]) Update(ts int64, obs O) error {
	var next []Particle[T]
	if len(f.sampled) == 0 {
		states, err := f.model.Initialize(ts, obs, f.count, f.rng)
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		if len(states) == 0 {
			return fmt.Errorf("%w: no initial hypotheses", ErrDegenerated)
		}
		next = make([]Particle[T], len(states))
		for i, s := range states {
			next[i] = Particle[T]{Timestamp: ts, Data: s}
		}
	} else {
		next = make([]Particle[T], len(f.sampled))
		for i, p := range f.sampled {
			s, err := f.model.Transition(p.Data, ts, obs, f.rng)
			if err != nil {
				return fmt.Errorf("transition: %w", err)
			}
			next[i] = Particle[T]{Timestamp: ts, Data: s}
		}
	}

	weights := make([]float64, len(next))
	for i := range next {
		w := f.model.Likelihood(next[i].Data, obs)
		if math.IsNaN(w) || w < 0 {
			w = 0
		}
		weights[i] = w
	}
	total := floats.Sum(weights)
	if !(total > 0) || math.IsInf(total, 0) {
		for i := range next {
			next[i].Weight = weights[i]
		}
		f.weighted = next
		return fmt.Errorf("%w: total weight %g over %d particles", ErrDegenerated, total, len(next))
	}
	floats.Scale(1/total, weights)
	for i := range next {
		next[i].Weight = weights[i]
	}

	f.weighted = next
	f.sampled = f.resample(next, weights)
	f.lastUpdated = ts
	return nil
}

// resample draws count particles with replacement using systematic
// resampling over the normalised weights.
func (f *Filter[T, O]) resample(ps []Particle[T], weights []float64) []Particle[T] {
	n := f.count
	cum := floats.CumSum(make([]float64, len(weights)), weights)
	cum[len(cum)-1] = 1

	step := 1 / float64(n)
	u := distuv.Uniform{Min: 0, Max: step, Src: f.rng}
	start := u.Rand()

	out := make([]Particle[T], n)
	j := 0
	for i := 0; i < n; i++ {
		pos := start + float64(i)*step
		for j < len(cum)-1 && cum[j] <= pos {
			j++
		}
		out[i] = Particle[T]{Weight: step, Timestamp: ps[j].Timestamp, Data: ps[j].Data}
	}
	return out
}

// MostLikely returns the highest-weight particle of the last weighted set.
func (f *Filter[T, O]) MostLikely() (Particle[T], bool) {
	if len(f.weighted) == 0 {
		return Particle[T]{}, false
	}
	return f.weighted[floats.MaxIdx(f.weightsOf(f.weighted))], true
}

// WeightedParticles returns a copy of the last weighted (pre-resample) set.
func (f *Filter[T, O]) WeightedParticles() []Particle[T] {
	return slices.Clone(f.weighted)
}

// SampledParticles returns a copy of the current resampled population.
func (f *Filter[T, O]) SampledParticles() []Particle[T] {
	return slices.Clone(f.sampled)
}

// EffectiveSampleSize is 1/sum(w^2) over the last weighted set.
func (f *Filter[T, O]) EffectiveSampleSize() float64 {
	if len(f.weighted) == 0 {
		return 0
	}
	w := f.weightsOf(f.weighted)
	d := floats.Dot(w, w)
	if d == 0 {
		return 0
	}
	return 1 / d
}

func (f *Filter[T, O]) weightsOf(ps []Particle[T]) []float64 {
	w := make([]float64, len(ps))
	for i, p := range ps {
		w[i] = p.Weight
	}
	return w
}

package particlefilter

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineModel tracks a scalar position; the observation is the measured
// position and hypotheses farther than cutoff have zero likelihood.
type lineModel struct {
	cutoff  float64
	initErr error
}

func (m lineModel) Initialize(ts int64, obs float64, n int, rng *rand.Rand) ([]float64, error) {
	if m.initErr != nil {
		return nil, m.initErr
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = obs + rng.NormFloat64()*5
	}
	return out, nil
}

func (m lineModel) Transition(prev float64, ts int64, obs float64, rng *rand.Rand) (float64, error) {
	return prev + 1 + rng.NormFloat64(), nil
}

func (m lineModel) Likelihood(state, obs float64) float64 {
	d := math.Abs(state - obs)
	if d > m.cutoff {
		return 0
	}
	return math.Exp(-d * d / 50)
}

func seeded() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func TestUpdateNormalises(t *testing.T) {
	f := New[float64, float64](lineModel{cutoff: 100}, 50, seeded())
	assert.True(t, f.Empty())
	assert.Zero(t, f.LastUpdated())

	for i, obs := range []float64{0, 1, 2, 3} {
		ts := int64(1000 * (i + 1))
		require.NoError(t, f.Update(ts, obs))
		assert.Equal(t, ts, f.LastUpdated())

		sum := 0.0
		for _, p := range f.WeightedParticles() {
			assert.GreaterOrEqual(t, p.Weight, 0.0)
			assert.Equal(t, ts, p.Timestamp)
			sum += p.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-9)

		sampled := f.SampledParticles()
		assert.Len(t, sampled, 50)
		sum = 0
		for _, p := range sampled {
			sum += p.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}

	best, ok := f.MostLikely()
	require.True(t, ok)
	assert.InDelta(t, 3.0, best.Data, 10)
	ess := f.EffectiveSampleSize()
	assert.Greater(t, ess, 1.0)
	assert.LessOrEqual(t, ess, 50.0+1e-9)
}

func TestDegenerated(t *testing.T) {
	f := New[float64, float64](lineModel{cutoff: 10}, 20, seeded())
	require.NoError(t, f.Update(1000, 0))
	before := f.SampledParticles()

	err := f.Update(2000, 1e6)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerated))

	// failed set is retained, last good population and time are untouched
	failed := f.WeightedParticles()
	assert.Len(t, failed, 20)
	for _, p := range failed {
		assert.Zero(t, p.Weight)
	}
	assert.Equal(t, before, f.SampledParticles())
	assert.Equal(t, int64(1000), f.LastUpdated())

	f.Reset()
	assert.True(t, f.Empty())
	assert.Zero(t, f.LastUpdated())
	_, ok := f.MostLikely()
	assert.False(t, ok)

	require.NoError(t, f.Update(3000, 1e6))
}

func TestInitializeError(t *testing.T) {
	boom := errors.New("boom")
	f := New[float64, float64](lineModel{cutoff: 10, initErr: boom}, 5, seeded())
	err := f.Update(1000, 0)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrDegenerated))
	assert.True(t, f.Empty())
}

func TestResampleFollowsWeights(t *testing.T) {
	f := New[float64, float64](lineModel{cutoff: 100}, 1000, seeded())
	ps := []Particle[float64]{{Data: 1}, {Data: 2}, {Data: 3}}
	out := f.resample(ps, []float64{0.0, 0.25, 0.75})
	require.Len(t, out, 1000)

	counts := map[float64]int{}
	for _, p := range out {
		counts[p.Data]++
	}
	assert.Zero(t, counts[1])
	assert.InDelta(t, 250, counts[2], 2)
	assert.InDelta(t, 750, counts[3], 2)
}

func TestSnapshotsAreCopies(t *testing.T) {
	f := New[float64, float64](lineModel{cutoff: 100}, 5, seeded())
	require.NoError(t, f.Update(1000, 0))

	w := f.WeightedParticles()
	w[0].Weight = 42
	assert.NotEqual(t, 42.0, f.WeightedParticles()[0].Weight)

	f.SetCount(8)
	require.NoError(t, f.Update(2000, 1))
	assert.Len(t, f.SampledParticles(), 8)
	assert.Equal(t, 8, f.Count())
}

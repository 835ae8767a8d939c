package inference

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-tracker/internal/particlefilter"
)

func newTestInstance() *Instance { return NewInstance("V1", testOptions()) }

func newStubInstance(m *stubModel) *Instance {
	opts := testOptions()
	opts.Model = m
	return NewInstance("V1", opts)
}

func mustUpdate(t *testing.T, i *Instance, r RawRecord) UpdateResult {
	t.Helper()
	res, err := i.HandleUpdate(r)
	require.NoError(t, err)
	return res
}

// instanceState captures everything an update may touch.
type instanceState struct {
	prev                   *Observation
	prevPrev               *Observation
	lastValidDSC           string
	lastUpdateTime         int64
	lastLocationUpdateTime int64
	filterUpdated          int64
	weighted               []particlefilter.Particle[*VehicleState]
	sampled                []particlefilter.Particle[*VehicleState]
	best                   *particlefilter.Particle[*VehicleState]
	bad                    []particlefilter.Particle[*VehicleState]
}

func capture(i *Instance) instanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := instanceState{
		prev:                   i.prev,
		lastValidDSC:           i.lastValidDSC,
		lastUpdateTime:         i.lastUpdateTime,
		lastLocationUpdateTime: i.lastLocationUpdateTime,
		filterUpdated:          i.filter.LastUpdated(),
		weighted:               i.filter.WeightedParticles(),
		sampled:                i.filter.SampledParticles(),
		best:                   i.best,
		bad:                    i.badParticles,
	}
	if i.prev != nil {
		s.prevPrev = i.prev.previous
	}
	return s
}

func TestCarryForwardLocation(t *testing.T) {
	i := newTestInstance()
	res := mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))
	assert.Equal(t, Continue, res.Action)
	assert.True(t, res.Applied)

	res = mustUpdate(t, i, recNoFix(t0+30_000, "101"))
	assert.Equal(t, Continue, res.Action)

	st := i.CurrentState()
	require.NotNil(t, st)
	assert.Equal(t, 40.0, st.Lat)
	assert.Equal(t, -73.0, st.Lon)
	assert.Equal(t, t0+30_000, st.LastUpdateTime)
	assert.Equal(t, t0, st.LastLocationUpdateTime)
	assert.Equal(t, t0+30_000, st.Timestamp)
}

func TestAutomaticWindowClears(t *testing.T) {
	i := newTestInstance()
	mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))
	res := mustUpdate(t, i, rec(t0+(25*time.Minute).Milliseconds(), 40.0, -73.0, "101"))
	assert.Equal(t, ResetAndClearObservation, res.Action)
	assert.Nil(t, i.prev.Previous())
}

func TestOutOfServiceCodeWithinOptionalWindow(t *testing.T) {
	i := newTestInstance()
	mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))
	assert.False(t, i.prev.OutOfService())

	res := mustUpdate(t, i, rec(t0+1000, 40.0, -73.0, "999"))
	assert.Equal(t, Continue, res.Action)
	assert.True(t, i.prev.OutOfService())
	assert.Equal(t, "999", i.prev.LastValidDSC())
}

func TestBackInTimeBeyondLimitClears(t *testing.T) {
	i := newTestInstance()
	mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))
	mustUpdate(t, i, rec(t0+60_000, 40.0, -73.0, "101"))

	back := t0 + 60_000 - (5*time.Minute + time.Second).Milliseconds()
	res := mustUpdate(t, i, rec(back, 40.0, -73.0, "101"))
	assert.Equal(t, ResetAndClearObservation, res.Action)
	assert.Nil(t, i.prev.Previous())
	assert.Equal(t, back, i.filter.LastUpdated())
}

func TestDropIsNoop(t *testing.T) {
	i := newTestInstance()
	mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))
	mustUpdate(t, i, rec(t0+60_000, 40.0, -72.999, "101"))
	before := capture(i)

	for _, r := range []RawRecord{
		rec(t0+59_000, 40.0, -72.99, "102"),
		rec(t0-60_000, 40.0, -72.99, "101"),
		recNoFix(t0, ""),
	} {
		res, err := i.HandleUpdate(r)
		require.NoError(t, err)
		assert.Equal(t, Drop, res.Action)
		assert.False(t, res.Applied)
		assert.Equal(t, before, capture(i))
	}
}

func TestOperatorChangeKeepsObservation(t *testing.T) {
	i := newTestInstance()
	r := rec(t0, 40.0, -73.0, "101")
	r.OperatorID = "op1"
	mustUpdate(t, i, r)
	first := i.prev

	r2 := rec(t0+30_000, 40.0, -73.0, "101")
	r2.OperatorID = "op2"
	res := mustUpdate(t, i, r2)
	assert.Equal(t, ResetAndContinue, res.Action)
	assert.Same(t, first, i.prev.Previous())

	// the population was rebuilt from scratch
	js := i.JourneySummaries()
	require.Len(t, js, 1)
	assert.Equal(t, t0+30_000, js[0].TimeFrom)
}

func TestMissingLocationWithoutHistory(t *testing.T) {
	i := newTestInstance()
	before := capture(i)

	_, err := i.HandleUpdate(recNoFix(t0, "101"))
	assert.ErrorIs(t, err, ErrNoLocation)
	assert.Equal(t, before, capture(i))
	assert.True(t, i.filter.Empty())
	assert.Nil(t, i.CurrentState())
	assert.Nil(t, i.ManagementState())
}

func TestObservationChainBounded(t *testing.T) {
	i := newTestInstance()
	for k := 0; k < 4; k++ {
		mustUpdate(t, i, rec(t0+int64(k)*30_000, 40.0, -73.0, "101"))
	}
	require.NotNil(t, i.prev.Previous())
	assert.Nil(t, i.prev.Previous().Previous())
}

func TestDegenerationRecovered(t *testing.T) {
	m := newStubModel()
	i := newStubInstance(m)
	mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))

	m.failOnce[t0+30_000] = true
	res := mustUpdate(t, i, rec(t0+30_000, 40.0, -73.0, "101"))
	assert.True(t, res.Recovered)

	bad := i.BadParticleDetails()
	assert.True(t, bad.ParticleFilterFailure)
	assert.Len(t, bad.Particles, i.filter.Count())
	for _, p := range bad.Particles {
		assert.Zero(t, p.Weight)
	}

	d := i.Details()
	assert.True(t, d.ParticleFilterFailure)
	require.NotNil(t, d.LastObservation)
	assert.Equal(t, t0+30_000, d.LastObservation.Time)

	st := i.CurrentState()
	require.NotNil(t, st)
	assert.Equal(t, t0+30_000, st.Timestamp)
}

func TestDegenerationUnrecovered(t *testing.T) {
	m := newStubModel()
	i := newStubInstance(m)
	mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))

	m.failAlways[t0+30_000] = true
	_, err := i.HandleUpdate(rec(t0+30_000, 40.0, -72.999, "101"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFilterFailure))
	assert.True(t, errors.Is(err, particlefilter.ErrDegenerated))

	// last good estimate is still reported
	st := i.CurrentState()
	require.NotNil(t, st)
	assert.Equal(t, t0, st.Timestamp)
	assert.Equal(t, -73.0, st.Lon)
	assert.True(t, i.BadParticleDetails().ParticleFilterFailure)

	// and the instance keeps working
	mustUpdate(t, i, rec(t0+60_000, 40.0, -72.998, "101"))
	st = i.CurrentState()
	require.NotNil(t, st)
	assert.Equal(t, t0+60_000, st.Timestamp)
}

func TestBackInTimeAfterUnrecoveredFailureIsDropped(t *testing.T) {
	m := newStubModel()
	i := newStubInstance(m)
	mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))

	m.failAlways[t0+30_000] = true
	_, err := i.HandleUpdate(rec(t0+30_000, 40.0, -72.999, "101"))
	require.ErrorIs(t, err, ErrFilterFailure)
	assert.Zero(t, i.filter.LastUpdated())

	before := capture(i)
	res := mustUpdate(t, i, rec(t0+10_000, 40.0, -72.9995, "101"))
	assert.Equal(t, Drop, res.Action)
	assert.False(t, res.Applied)
	assert.Equal(t, before, capture(i))
}

func TestWeightsNormalised(t *testing.T) {
	i := newTestInstance()
	for k, lon := range []float64{-72.999, -72.998, -72.997, -72.996} {
		mustUpdate(t, i, rec(at(hms(8, 1+k, 0)), 40.0, lon, "101"))

		sum := 0.0
		for _, p := range i.Details().Particles {
			assert.GreaterOrEqual(t, p.Weight, 0.0)
			sum += p.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestBypassUpdate(t *testing.T) {
	i := newTestInstance()
	mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))

	enabled := i.HandleBypassUpdate(InferredLocation{
		VehicleID:     "V1",
		Timestamp:     t0 + 10_000,
		Lat:           40.001,
		Lon:           -72.998,
		DSC:           "101",
		ReportedRunID: "R1-5",
		Phase:         PhaseInProgress,
		Status:        StatusDefault,
	})
	assert.True(t, enabled)

	st := i.CurrentState()
	require.NotNil(t, st)
	assert.Equal(t, 40.001, st.Lat)
	assert.Equal(t, t0+10_000, st.Timestamp)

	d := i.Details()
	require.NotNil(t, d.LastObservation)
	assert.Equal(t, "R1", d.LastObservation.RunRouteID)
	assert.Equal(t, "5", d.LastObservation.RunNumber)

	// the next raw update replaces the bypass record
	mustUpdate(t, i, rec(t0+20_000, 40.0, -72.997, "101"))
	st = i.CurrentState()
	require.NotNil(t, st)
	assert.Equal(t, t0+20_000, st.Timestamp)
}

func TestDisabledStillUpdates(t *testing.T) {
	i := newTestInstance()
	i.SetEnabled(false)
	res := mustUpdate(t, i, rec(t0, 40.0, -73.0, "101"))
	assert.False(t, res.Enabled)
	assert.True(t, res.Applied)

	st := i.CurrentState()
	require.NotNil(t, st)
	assert.False(t, st.InferenceEnabled)
	assert.False(t, i.ManagementState().InferenceEnabled)
}

func TestConcurrentReaders(t *testing.T) {
	i := newTestInstance()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := 0; k < 20; k++ {
			_, _ = i.HandleUpdate(rec(t0+int64(k)*10_000, 40.0, -73.0+float64(k)*0.0002, "101"))
		}
	}()
	go func() {
		defer wg.Done()
		for k := 0; k < 200; k++ {
			if st := i.CurrentState(); st != nil {
				assert.NotEmpty(t, st.Status)
			}
			_ = i.Details()
		}
	}()
	wg.Wait()
	assert.Equal(t, t0+190_000, i.CurrentState().Timestamp)
}

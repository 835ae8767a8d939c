package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-tracker/internal/config"
	"vehicle-tracker/internal/particlefilter"
	"vehicle-tracker/internal/schedule"
)

// matchedParticle places the vehicle at (lat, lon) at time ts, matched to
// the test block d meters along it.
func matchedParticle(t *testing.T, ts int64, lat, lon, d float64, phase Phase, op *bool) particlefilter.Particle[*VehicleState] {
	t.Helper()
	obs, err := builder().Build(rec(ts, lat, lon, "101"), nil)
	require.NoError(t, err)
	bi := testInstance()
	return particlefilter.Particle[*VehicleState]{
		Weight:    1,
		Timestamp: ts,
		Data: &VehicleState{
			Motion:  MotionState{LastInMotionTime: ts},
			Journey: JourneyState{}.advance(phase, ts, bi.ID()),
			Block: &BlockState{
				Instance:            bi,
				Location:            schedule.LocateAtDistance(bi, d),
				DestinationSignCode: "101",
				RunID:               "R1-5",
				OpAssigned:          op,
			},
			Observation: obs,
		},
	}
}

func params() *config.Params {
	p := config.DefaultParams()
	return &p
}

func TestDeviationGatedOnAssignment(t *testing.T) {
	ts := at(hms(8, 6, 0))
	mid := testBlock().Trips[0].StopTimes[1].DistanceAlongBlock // 08:05

	for name, op := range map[string]*bool{"unknown": nil, "unconfirmed": ptr(false)} {
		t.Run(name, func(t *testing.T) {
			out := project("V1", matchedParticle(t, ts, 40.0, -72.995, mid, PhaseInProgress, op), params(), nil)
			assert.Nil(t, out.ScheduleDeviation)
			require.NotNil(t, out.DistanceAlongBlock)
		})
	}

	p := matchedParticle(t, ts, 40.0, -72.995, mid, PhaseInProgress, ptr(true))
	out := project("V1", p, params(), nil)
	require.NotNil(t, out.ScheduleDeviation)
	assert.Equal(t, 60, *out.ScheduleDeviation)

	again := project("V1", p, params(), nil)
	assert.Equal(t, *out.ScheduleDeviation, *again.ScheduleDeviation)
	assert.Equal(t, 60, ScheduleDeviation(ts, serviceDate, hms(8, 5, 0)))
}

func TestUnmatchedHasNoScheduleFields(t *testing.T) {
	obs, err := builder().Build(rec(t0, 40.0, -72.995, ""), nil)
	require.NoError(t, err)
	p := particlefilter.Particle[*VehicleState]{
		Weight:    1,
		Timestamp: t0,
		Data:      unmatchedState(obs, t0, MotionState{LastInMotionTime: t0}, JourneyState{}),
	}

	out := project("V1", p, params(), nil)
	assert.Nil(t, out.ScheduleDeviation)
	assert.Nil(t, out.DistanceAlongBlock)
	assert.Nil(t, out.DistanceAlongTrip)
	assert.Empty(t, out.BlockID)
	assert.Equal(t, PlaceholderDSC, out.InferredDSC)
	assert.Equal(t, StatusDefault, out.Status)
	assert.Equal(t, PhaseDeadheadBefore, out.Phase)
	assert.Equal(t, 40.0, out.PositionLat)
}

func TestDistanceAlongTrip(t *testing.T) {
	b := testBlock()
	d := b.Trips[1].DistanceAlongBlock + 100
	out := project("V1", matchedParticle(t, at(hms(8, 22, 0)), 40.0, -72.991, d, PhaseInProgress, nil), params(), nil)
	require.NotNil(t, out.DistanceAlongTrip)
	assert.InDelta(t, 100, *out.DistanceAlongTrip, 1e-6)
	assert.Equal(t, "B", out.TripID)
	assert.Equal(t, "R1", out.RouteID)
	assert.Equal(t, "1", out.DirectionID)
	assert.Equal(t, "B1", out.BlockID)
	assert.Equal(t, "R1-5", out.RunID)
	assert.Equal(t, serviceDate, out.ServiceDate)
}

func TestStatusFlags(t *testing.T) {
	ts := at(hms(8, 30, 0))
	// the vehicle is 0.005 deg (~555 m) north of its block position
	p := matchedParticle(t, ts, 40.005, -72.995, 400, PhaseInProgress, nil)
	p.Data.Motion.LastInMotionTime = ts - 901_000

	out := project("V1", p, params(), nil)
	assert.Equal(t, "deviated,stalled", out.Status)
	assert.True(t, out.HasStatus(StatusStalled))

	p.Data.Motion.LastInMotionTime = ts - 900_000
	out = project("V1", p, params(), nil)
	assert.Equal(t, StatusDeviated, out.Status)

	// flags are only evaluated in progress
	p = matchedParticle(t, ts, 40.005, -72.995, 400, PhaseLayoverDuring, nil)
	p.Data.Motion.LastInMotionTime = ts - 901_000
	out = project("V1", p, params(), nil)
	assert.Equal(t, StatusDefault, out.Status)

	custom := params()
	custom.OffRouteDistance = 1000
	p = matchedParticle(t, ts, 40.005, -72.995, 400, PhaseInProgress, nil)
	out = project("V1", p, custom, nil)
	assert.Equal(t, StatusDefault, out.Status)
}

func TestPositionOnDetour(t *testing.T) {
	ts := at(hms(8, 5, 0))
	p := matchedParticle(t, ts, 40.005, -72.995, 400, PhaseInProgress, nil)
	loc := p.Data.Block.Location

	snapped := project("V1", p, params(), nil)
	assert.Equal(t, loc.Lat, snapped.PositionLat)
	assert.Equal(t, loc.Lon, snapped.PositionLon)
	assert.Equal(t, 40.005, snapped.Lat)

	detoured := project("V1", p, params(), DeviatedIsDetour)
	assert.Equal(t, 40.005, detoured.PositionLat)
	assert.Equal(t, -72.995, detoured.PositionLon)
	require.NotNil(t, detoured.BlockLat)
	assert.Equal(t, loc.Lat, *detoured.BlockLat)
}

func TestInferredDSCFallback(t *testing.T) {
	p := matchedParticle(t, t0, 40.0, -72.999, 100, PhaseInProgress, nil)
	assert.Equal(t, "101", project("V1", p, params(), nil).InferredDSC)

	p.Data.Block.DestinationSignCode = "  "
	assert.Equal(t, PlaceholderDSC, project("V1", p, params(), nil).InferredDSC)
}

func TestPhaseText(t *testing.T) {
	b, err := PhaseLayoverBefore.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "LAYOVER_BEFORE", string(b))
	assert.Equal(t, "UNKNOWN", Phase(42).String())

	var p Phase
	require.NoError(t, p.UnmarshalText([]byte("DEADHEAD_AFTER")))
	assert.Equal(t, PhaseDeadheadAfter, p)
	assert.Error(t, p.UnmarshalText([]byte("PARKED")))
}

package inference

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-tracker/internal/gtfs"
	"vehicle-tracker/internal/schedule"
)

func builder() ObservationBuilder {
	return testBuilder(schedule.NewGraph([]gtfs.BlockInstance{testInstance()}))
}

func TestBuildCarriesLocationForward(t *testing.T) {
	b := builder()
	first, err := b.Build(rec(t0, 40.0, -73.0, "101"), nil)
	require.NoError(t, err)

	second, err := b.Build(recNoFix(t0+30_000, "101"), first)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{-73.0, 40.0}, second.Location())
	assert.Same(t, first, second.Previous())
	assert.Equal(t, t0+30_000, second.Time())
}

func TestBuildWithoutLocation(t *testing.T) {
	_, err := builder().Build(recNoFix(t0, "101"), nil)
	assert.ErrorIs(t, err, ErrNoLocation)
}

func TestBuildTimestamp(t *testing.T) {
	r := rec(t0, 40.0, -73.0, "101")
	r.TimeReceived = t0 + 4000
	obs, err := builder().Build(r, nil)
	require.NoError(t, err)
	assert.Equal(t, t0+4000, obs.Time())

	r.Time, r.TimeReceived = t0+9000, t0
	obs, err = builder().Build(r, nil)
	require.NoError(t, err)
	assert.Equal(t, t0+9000, obs.Time())
}

func TestBuildDoesNotAliasInput(t *testing.T) {
	r := rec(t0, 40.0, -73.0, " 101 ")
	obs, err := builder().Build(r, nil)
	require.NoError(t, err)

	*r.Latitude = 41
	assert.Equal(t, 40.0, obs.Location().Lat())
	assert.Equal(t, " 101 ", r.DestinationSignCode)
	assert.Equal(t, "101", obs.Record().DestinationSignCode)
}

func TestBuildSignCodes(t *testing.T) {
	b := builder()
	cases := []struct {
		name      string
		prevDSC   string // "" means no previous observation
		dsc       string
		lastValid string
		oos       bool
		routes    []string
	}{
		{name: "valid", dsc: "101", lastValid: "101", routes: []string{"R1"}},
		{name: "trimmed", dsc: "  101 ", lastValid: "101", routes: []string{"R1"}},
		{name: "blank no history", dsc: "   ", lastValid: "", oos: true, routes: []string{}},
		{name: "placeholder no history", dsc: "0000", lastValid: "", oos: true, routes: []string{}},
		{name: "placeholder carries", prevDSC: "101", dsc: "0000", lastValid: "101", routes: []string{"R1"}},
		{name: "blank carries", prevDSC: "102", dsc: "", lastValid: "102", routes: []string{"R2"}},
		{name: "out of service", prevDSC: "101", dsc: "999", lastValid: "999", oos: true, routes: []string{}},
		{name: "unknown", dsc: "555", lastValid: "555", oos: true, routes: []string{}},
		{name: "route change", prevDSC: "101", dsc: "102", lastValid: "102", routes: []string{"R2"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var prev *Observation
			if c.prevDSC != "" {
				var err error
				prev, err = b.Build(rec(t0-10_000, 40.0, -72.995, c.prevDSC), nil)
				require.NoError(t, err)
			}
			obs, err := b.Build(rec(t0, 40.0, -72.995, c.dsc), prev)
			require.NoError(t, err)
			assert.Equal(t, c.lastValid, obs.LastValidDSC())
			assert.Equal(t, c.oos, obs.OutOfService())
			assert.Equal(t, c.routes, obs.RouteCollections())
		})
	}
}

func TestBuildRoutesCarriedWhenUnchanged(t *testing.T) {
	b := builder()
	first, err := b.Build(rec(t0, 40.0, -72.995, "101"), nil)
	require.NoError(t, err)
	second, err := b.Build(rec(t0+30_000, 40.0, -72.995, "0000"), first)
	require.NoError(t, err)

	// same set, not recomputed
	first.routes["marker"] = struct{}{}
	assert.True(t, second.HasRouteCollection("marker"))
}

func TestBuildGeofences(t *testing.T) {
	b := builder()

	atBase, err := b.Build(rec(t0, 40.025, -73.015, "101"), nil)
	require.NoError(t, err)
	assert.True(t, atBase.AtBase())
	assert.False(t, atBase.AtTerminal())

	atTerminal, err := b.Build(rec(t0, 40.0, -72.99, "101"), nil)
	require.NoError(t, err)
	assert.False(t, atTerminal.AtBase())
	assert.True(t, atTerminal.AtTerminal())

	midRoute, err := b.Build(rec(t0, 40.0, -72.995, "101"), nil)
	require.NoError(t, err)
	assert.False(t, midRoute.AtBase())
	assert.False(t, midRoute.AtTerminal())
}

package occupancy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLoad(t *testing.T) {
	cases := map[string]Status{
		"FEW_SEATS_AVAILABLE":  FewSeatsAvailable,
		"STANDING_AVAILABLE":   StandingRoomOnly,
		"FULL":                 Full,
		" full ":               Full,
		"MANY_SEATS_AVAILABLE": ManySeatsAvailable,
		"":                     Unknown,
		"SOMEWHAT_BUSY":        Unknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLoad(in), in)
	}
}

func TestSiri(t *testing.T) {
	assert.Equal(t, "seatsAvailable", Empty.Siri())
	assert.Equal(t, "seatsAvailable", FewSeatsAvailable.Siri())
	assert.Equal(t, "standingAvailable", StandingRoomOnly.Siri())
	assert.Equal(t, "full", CrushedStandingRoomOnly.Siri())
	assert.Equal(t, "full", NotAcceptingPassengers.Siri())
	assert.Empty(t, Unknown.Siri())
	assert.Equal(t, "UNKNOWN", Status(99).String())
}

func TestVehicleLoadJSON(t *testing.T) {
	var l VehicleLoad
	err := json.Unmarshal([]byte(`{"vehicleId":"V1","recordTimestamp":5,"load":"STANDING_AVAILABLE","route":"R1","direction":"0","estimatedCount":40}`), &l)
	require.NoError(t, err)
	assert.Equal(t, StandingRoomOnly, l.Load)
	assert.Equal(t, 40, l.EstimatedCount)

	b, err := json.Marshal(l)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"load":"STANDING_ROOM_ONLY"`)
}

func TestCachePutGet(t *testing.T) {
	c := NewCache(0)
	assert.Equal(t, DefaultExpiry, c.Expiry())

	require.NoError(t, c.Put(VehicleLoad{VehicleID: "V1", Route: "R1", Direction: "0", Load: Full, EstimatedCount: 80}))
	require.NoError(t, c.Put(VehicleLoad{VehicleID: "V1", Route: "R1", Direction: "1", Load: Empty}))
	assert.Equal(t, 2, c.Len())

	l, ok := c.Get("V1", "R1", "0")
	require.True(t, ok)
	assert.Equal(t, Full, l.Load)

	require.NoError(t, c.Put(VehicleLoad{VehicleID: "V1", Route: "R1", Direction: "0", Load: FewSeatsAvailable}))
	l, _ = c.Get("V1", "R1", "0")
	assert.Equal(t, FewSeatsAvailable, l.Load)

	_, ok = c.Get("V2", "R1", "0")
	assert.False(t, ok)
}

func TestCacheRejectsImplausible(t *testing.T) {
	c := NewCache(time.Minute)
	err := c.Put(VehicleLoad{VehicleID: "V1", EstimatedCount: MaxEstimatedCount + 1})
	assert.ErrorIs(t, err, ErrImplausibleLoad)
	assert.ErrorIs(t, c.Put(VehicleLoad{}), ErrImplausibleLoad)
	assert.NoError(t, c.Put(VehicleLoad{VehicleID: "V1", EstimatedCount: MaxEstimatedCount}))
	assert.Equal(t, 1, c.Len())
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	require.NoError(t, c.Put(VehicleLoad{VehicleID: "V1", Route: "R1", Direction: "0"}))

	// reads do not keep the entry alive
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get("V1", "R1", "0")
	require.True(t, ok)
	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("V1", "R1", "0")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCacheSetExpiry(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	require.NoError(t, c.Put(VehicleLoad{VehicleID: "V1"}))
	c.SetExpiry(time.Hour)
	assert.Equal(t, time.Hour, c.Expiry())

	time.Sleep(80 * time.Millisecond)
	_, ok := c.Get("V1", "", "")
	assert.True(t, ok)
}

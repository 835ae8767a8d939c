package inference

import (
	"math/rand/v2"
	"time"

	"vehicle-tracker/internal/config"
	"vehicle-tracker/internal/geofence"
	"vehicle-tracker/internal/gtfs"
	"vehicle-tracker/internal/schedule"
	"vehicle-tracker/internal/signcode"
)

func hms(h, m, s int) int { return h*3600 + m*60 + s }

var serviceDate = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC).UnixMilli()

func at(sec int) int64 { return serviceDate + int64(sec)*1000 }

// t0 is 08:03, three minutes into trip A.
var t0 = at(hms(8, 3, 0))

// testBlock is an out-and-back block along latitude 40 run by R1-5: trip A
// eastbound 08:00-08:10, trip B westbound 08:20-08:30.
func testBlock() *gtfs.Block {
	east := schedule.TripData{
		Trip: gtfs.Trip{TripID: "A", RouteID: "R1", DirectionID: "0", RunID: "R1-5"},
		StopTimes: []gtfs.StopTime{
			{StopSequence: 1, DepartureSec: hms(8, 0, 0), StopID: "s1", StopLat: 40.0, StopLon: -73.0},
			{StopSequence: 2, ArrivalSec: hms(8, 5, 0), DepartureSec: hms(8, 5, 0), StopID: "s2", StopLat: 40.0, StopLon: -72.995},
			{StopSequence: 3, ArrivalSec: hms(8, 10, 0), StopID: "s3", StopLat: 40.0, StopLon: -72.99},
		},
	}
	west := schedule.TripData{
		Trip: gtfs.Trip{TripID: "B", RouteID: "R1", DirectionID: "1", RunID: "R1-5"},
		StopTimes: []gtfs.StopTime{
			{StopSequence: 1, DepartureSec: hms(8, 20, 0), StopID: "s3", StopLat: 40.0, StopLon: -72.99},
			{StopSequence: 2, ArrivalSec: hms(8, 30, 0), StopID: "s1", StopLat: 40.0, StopLon: -73.0},
		},
	}
	return schedule.BuildBlock("B1", []schedule.TripData{east, west})
}

func testInstance() gtfs.BlockInstance {
	return gtfs.BlockInstance{Block: testBlock(), ServiceDate: serviceDate}
}

func testTables() signcode.Tables {
	return signcode.Tables{
		Missing:      []string{"0000"},
		OutOfService: []string{"999"},
		Routes: map[string][]string{
			"101": {"R1"},
			"102": {"R2"},
		},
	}
}

var depot = geofence.Base{
	Name:    "depot",
	Polygon: [][2]float64{{-73.02, 40.02}, {-73.01, 40.02}, {-73.01, 40.03}, {-73.02, 40.03}},
}

func testBuilder(g *schedule.Graph) ObservationBuilder {
	return ObservationBuilder{
		SignCodes: signcode.NewClassifier(testTables()),
		Geofence:  geofence.New([]geofence.Base{depot}, g.Terminals(), 0),
	}
}

func testOptions() Options {
	graphs := schedule.NewStore(schedule.NewGraph([]gtfs.BlockInstance{testInstance()}))
	return Options{
		Builder: testBuilder(graphs.Load()),
		Params:  config.NewParamStore(nil),
		Graphs:  graphs,
		Rand:    rand.New(rand.NewPCG(7, 11)),
		Detour:  DeviatedIsDetour,
	}
}

func rec(ts int64, lat, lon float64, dsc string) RawRecord {
	return RawRecord{
		VehicleID:           "V1",
		Time:                ts,
		TimeReceived:        ts,
		Latitude:            ptr(lat),
		Longitude:           ptr(lon),
		DestinationSignCode: dsc,
	}
}

func recNoFix(ts int64, dsc string) RawRecord {
	return RawRecord{VehicleID: "V1", Time: ts, TimeReceived: ts, DestinationSignCode: dsc}
}

// stubModel keeps every particle unmatched and degenerates on demand.
type stubModel struct {
	failOnce   map[int64]bool // degenerate until the population is rebuilt
	failAlways map[int64]bool
	rebuilt    map[int64]bool
}

func newStubModel() *stubModel {
	return &stubModel{
		failOnce:   map[int64]bool{},
		failAlways: map[int64]bool{},
		rebuilt:    map[int64]bool{},
	}
}

func (m *stubModel) Initialize(ts int64, obs *Observation, n int, rng *rand.Rand) ([]*VehicleState, error) {
	m.rebuilt[ts] = true
	out := make([]*VehicleState, n)
	for k := range out {
		out[k] = unmatchedState(obs, ts, MotionState{LastInMotionTime: ts, LastInMotionLocation: obs.Location()}, JourneyState{})
	}
	return out, nil
}

func (m *stubModel) Transition(prev *VehicleState, ts int64, obs *Observation, rng *rand.Rand) (*VehicleState, error) {
	return unmatchedState(obs, ts, prev.Motion, prev.Journey), nil
}

func (m *stubModel) Likelihood(s *VehicleState, obs *Observation) float64 {
	ts := obs.Time()
	if m.failAlways[ts] || (m.failOnce[ts] && !m.rebuilt[ts]) {
		return 0
	}
	return 1
}

type emptyGraphs struct{}

func (emptyGraphs) Load() *schedule.Graph { return schedule.NewGraph(nil) }

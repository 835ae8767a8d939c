package schedule

import (
	"math"
	"sort"

	"vehicle-tracker/internal/gtfs"
)

// epsilon absorbs rounding when stop distances meet trip boundaries.
const epsilon = 1e-6

// keyframes flattens the stop times of a block into a non-decreasing
// time -> distance-along-block schedule.
func keyframes(b *gtfs.Block) (times []int, dists []float64) {
	for _, bt := range b.Trips {
		for i, st := range bt.StopTimes {
			if i == 0 {
				appendKF(&times, &dists, bt.FirstDeparture(), st.DistanceAlongBlock)
				continue
			}
			if st.ArrivalSec > 0 {
				appendKF(&times, &dists, st.ArrivalSec, st.DistanceAlongBlock)
			}
			if st.DepartureSec > 0 && st.DepartureSec != st.ArrivalSec {
				appendKF(&times, &dists, st.DepartureSec, st.DistanceAlongBlock)
			}
		}
	}
	return times, dists
}

// blockKeyframes returns the keyframes cached on b, building them for blocks
// assembled outside BuildBlock.
func blockKeyframes(b *gtfs.Block) ([]int, []float64) {
	if len(b.KeyTimes) > 0 {
		return b.KeyTimes, b.KeyDists
	}
	return keyframes(b)
}

func appendKF(times *[]int, dists *[]float64, sec int, d float64) {
	if n := len(*times); n > 0 {
		if sec < (*times)[n-1] || (sec == (*times)[n-1] && d == (*dists)[n-1]) {
			return
		}
	}
	*times = append(*times, sec)
	*dists = append(*dists, d)
}

// LocateAtTime returns the scheduled location of the block at sec seconds
// since the service date. Times outside the block clamp to its ends.
func LocateAtTime(bi gtfs.BlockInstance, sec int) gtfs.ScheduledBlockLocation {
	if bi.Block == nil {
		return gtfs.ScheduledBlockLocation{}
	}
	times, dists := blockKeyframes(bi.Block)
	d := interpolateDistAtTime(times, dists, sec)
	loc := LocateAtDistance(bi, d)
	loc.ScheduledTime = sec
	return loc
}

// LocateAtDistance returns the scheduled location of the block at d meters
// along it, with the scheduled time interpolated from the stop keyframes.
func LocateAtDistance(bi gtfs.BlockInstance, d float64) gtfs.ScheduledBlockLocation {
	b := bi.Block
	if b == nil || len(b.Trips) == 0 {
		return gtfs.ScheduledBlockLocation{}
	}
	if d < 0 {
		d = 0
	}
	if d > b.TotalDistance {
		d = b.TotalDistance
	}
	trip := activeTrip(b, d)
	lat, lon, bearing := InterpolateShape(trip.Shape, trip.Cum, d-trip.DistanceAlongBlock)
	times, dists := blockKeyframes(b)
	return gtfs.ScheduledBlockLocation{
		DistanceAlongBlock: d,
		ScheduledTime:      interpolateTimeAtDist(times, dists, d),
		ActiveTrip:         trip,
		Lat:                lat,
		Lon:                lon,
		Bearing:            bearing,
	}
}

func activeTrip(b *gtfs.Block, d float64) *gtfs.BlockTrip {
	i := sort.Search(len(b.Trips), func(i int) bool {
		return b.Trips[i].DistanceAlongBlock > d+epsilon
	})
	if i == 0 {
		return b.Trips[0]
	}
	return b.Trips[i-1]
}

func interpolateDistAtTime(times []int, dists []float64, at int) float64 {
	n := len(times)
	if n == 0 {
		return 0
	}
	if at <= times[0] {
		return dists[0]
	}
	if at >= times[n-1] {
		return dists[n-1]
	}
	i := sort.Search(n, func(i int) bool { return times[i] > at }) - 1
	t0, t1 := times[i], times[i+1]
	if t1 <= t0 {
		return dists[i]
	}
	frac := float64(at-t0) / float64(t1-t0)
	return dists[i] + (dists[i+1]-dists[i])*frac
}

func interpolateTimeAtDist(times []int, dists []float64, d float64) int {
	n := len(dists)
	if n == 0 {
		return 0
	}
	if d <= dists[0] {
		return times[0]
	}
	if d >= dists[n-1] {
		return times[n-1]
	}
	i := sort.Search(n, func(i int) bool { return dists[i] >= d-epsilon })
	if math.Abs(dists[i]-d) <= epsilon || i == 0 {
		return times[i]
	}
	d0, d1 := dists[i-1], dists[i]
	frac := (d - d0) / (d1 - d0)
	return times[i-1] + int(float64(times[i]-times[i-1])*frac)
}

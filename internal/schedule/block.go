package schedule

import (
	"math"
	"sort"

	"vehicle-tracker/internal/gtfs"
)

// TripData is the raw material for one trip of a block.
type TripData struct {
	Trip      gtfs.Trip
	StopTimes []gtfs.StopTime
	Shape     []gtfs.ShapePoint
}

// BuildBlock assembles a block from its trips ordered by first departure.
// Trips without stop times are dropped.
func BuildBlock(blockID string, trips []TripData) *gtfs.Block {
	b := &gtfs.Block{BlockID: blockID}
	for _, td := range trips {
		if len(td.StopTimes) == 0 {
			continue
		}
		shape := td.Shape
		if len(shape) < 2 {
			shape = shapeFromStops(td.StopTimes)
		}
		cum := CumDistances(shape)
		total := 0.0
		if len(cum) > 0 {
			total = cum[len(cum)-1]
		}
		bt := &gtfs.BlockTrip{
			Trip:     td.Trip,
			Distance: total,
			Shape:    shape,
			Cum:      cum,
		}
		bt.Trip.BlockID = blockID
		dists := stopDistances(td.StopTimes, shape, cum, total)
		bt.StopTimes = make([]gtfs.BlockStopTime, len(td.StopTimes))
		for i, st := range td.StopTimes {
			bt.StopTimes[i] = gtfs.BlockStopTime{StopTime: st, DistanceAlongTrip: dists[i]}
		}
		b.Trips = append(b.Trips, bt)
	}
	sort.SliceStable(b.Trips, func(i, j int) bool {
		return b.Trips[i].FirstDeparture() < b.Trips[j].FirstDeparture()
	})
	offset := 0.0
	for i, bt := range b.Trips {
		bt.Sequence = i
		bt.DistanceAlongBlock = offset
		for k := range bt.StopTimes {
			bt.StopTimes[k].DistanceAlongBlock = offset + bt.StopTimes[k].DistanceAlongTrip
		}
		offset += bt.Distance
	}
	b.TotalDistance = offset
	b.KeyTimes, b.KeyDists = keyframes(b)
	return b
}

func shapeFromStops(sts []gtfs.StopTime) []gtfs.ShapePoint {
	pts := make([]gtfs.ShapePoint, 0, len(sts))
	for i, st := range sts {
		if st.StopLat == 0 && st.StopLon == 0 {
			continue
		}
		pts = append(pts, gtfs.ShapePoint{Lat: st.StopLat, Lon: st.StopLon, Sequence: i})
	}
	return pts
}

// stopDistances assigns each stop a distance along the trip shape. It prefers
// shape_dist_traveled, then projection of the stop onto the shape, and spreads
// stops evenly when neither is available. Gaps are forward/backward filled and
// the result is clamped to [0,total] and non-decreasing.
func stopDistances(sts []gtfs.StopTime, shape []gtfs.ShapePoint, cum []float64, total float64) []float64 {
	n := len(sts)
	dists := make([]float64, n)
	has := make([]bool, n)
	found := false
	scale, origin, useProvided := providedScale(sts, shape, total)
	for i, st := range sts {
		if useProvided && st.ShapeDistTraveled > 0 {
			dists[i], has[i] = (st.ShapeDistTraveled-origin)*scale, true
		} else if (st.StopLat != 0 || st.StopLon != 0) && len(shape) > 1 {
			dists[i], _ = NearestDistanceAlongShape(shape, cum, st.StopLat, st.StopLon)
			has[i] = true
		}
		found = found || has[i]
	}
	if !found {
		for i := range dists {
			if n > 1 {
				dists[i] = total * float64(i) / float64(n-1)
			}
		}
		return dists
	}
	last, ok := 0.0, false
	for i := 0; i < n; i++ {
		if has[i] {
			last, ok = dists[i], true
		} else if ok {
			dists[i], has[i] = last, true
		}
	}
	next, ok := total, false
	for i := n - 1; i >= 0; i-- {
		if has[i] {
			next, ok = dists[i], true
		} else if ok {
			dists[i], has[i] = next, true
		}
	}
	prev := 0.0
	for i := 0; i < n; i++ {
		if dists[i] < prev {
			dists[i] = prev
		}
		if dists[i] > total {
			dists[i] = total
		}
		prev = dists[i]
	}
	return dists
}

// unitTolerance bounds how far the largest shape_dist_traveled of a trip may
// stray from the measured shape length and still be taken as meters.
const unitTolerance = 0.25

// providedScale maps shape_dist_traveled values onto meters along the shape.
// Feeds may use any unit: when the shape carries its own distances they fix
// the scale, otherwise values that disagree with the measured shape length
// are ignored in favour of projection.
func providedScale(sts []gtfs.StopTime, shape []gtfs.ShapePoint, total float64) (scale, origin float64, ok bool) {
	if len(shape) > 1 && total > 0 {
		first, last := shape[0].DistTraveled, shape[len(shape)-1].DistTraveled
		if last > first {
			return total / (last - first), first, true
		}
	}
	maxDist := 0.0
	for _, st := range sts {
		maxDist = max(maxDist, st.ShapeDistTraveled)
	}
	if maxDist == 0 {
		return 0, 0, false
	}
	if len(shape) > 1 && total > 0 && math.Abs(maxDist/total-1) > unitTolerance {
		return 0, 0, false
	}
	return 1, 0, true
}

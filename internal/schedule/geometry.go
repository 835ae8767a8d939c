package schedule

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"vehicle-tracker/internal/gtfs"
)

const earthRadius = 6371000.0

func point(p gtfs.ShapePoint) orb.Point { return orb.Point{p.Lon, p.Lat} }

// CumDistances builds cumulative distances for shape points. Provided
// shape_dist_traveled values are used when present, otherwise the great
// circle distance between consecutive points.
func CumDistances(pts []gtfs.ShapePoint) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	if n > 1 && pts[n-1].DistTraveled > 0 {
		prev := 0.0
		for i := 0; i < n; i++ {
			d := pts[i].DistTraveled
			if d < prev {
				d = prev
			}
			cum[i] = d
			prev = d
		}
		return cum
	}
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += geo.Distance(point(pts[i-1]), point(pts[i]))
		cum[i] = sum
	}
	return cum
}

// InterpolateShape returns the point and bearing at dist meters along the shape.
func InterpolateShape(pts []gtfs.ShapePoint, cum []float64, dist float64) (lat, lon, bearing float64) {
	n := len(pts)
	if n == 0 {
		return 0, 0, 0
	}
	if n == 1 || cum[n-1] == 0 {
		return pts[0].Lat, pts[0].Lon, 0
	}
	if dist <= 0 {
		return pts[0].Lat, pts[0].Lon, bearingDeg(pts[0], pts[1])
	}
	if dist >= cum[n-1] {
		return pts[n-1].Lat, pts[n-1].Lon, bearingDeg(pts[n-2], pts[n-1])
	}
	i := 1
	for i < n-1 && cum[i] < dist {
		i++
	}
	p0, p1 := pts[i-1], pts[i]
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return p0.Lat, p0.Lon, bearingDeg(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	lat = p0.Lat + (p1.Lat-p0.Lat)*frac
	lon = p0.Lon + (p1.Lon-p0.Lon)*frac
	return lat, lon, bearingDeg(p0, p1)
}

func bearingDeg(a, b gtfs.ShapePoint) float64 {
	brng := geo.Bearing(point(a), point(b))
	if brng < 0 {
		brng += 360
	}
	return brng
}

// NearestDistanceAlongShape projects (lat, lon) onto the polyline and returns
// the distance along it plus the offset of the point from the line, both in
// meters. Segments are projected on an equirectangular plane centred on the
// query point.
func NearestDistanceAlongShape(pts []gtfs.ShapePoint, cum []float64, lat, lon float64) (along, offset float64) {
	n := len(pts)
	if n == 0 {
		return 0, math.Inf(1)
	}
	if len(cum) != n {
		cum = CumDistances(pts)
	}
	if n == 1 {
		return 0, geo.Distance(point(pts[0]), orb.Point{lon, lat})
	}
	cosLat0 := math.Cos(lat * math.Pi / 180)
	toXY := func(p gtfs.ShapePoint) (x, y float64) {
		y = (p.Lat - lat) * math.Pi / 180 * earthRadius
		x = (p.Lon - lon) * math.Pi / 180 * earthRadius * cosLat0
		return
	}
	best := math.MaxFloat64
	x0, y0 := toXY(pts[0])
	for i := 1; i < n; i++ {
		x1, y1 := toXY(pts[i])
		dx, dy := x1-x0, y1-y0
		segLen2 := dx*dx + dy*dy
		t := 0.0
		if segLen2 > 0 {
			t = -(x0*dx + y0*dy) / segLen2
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}
		px, py := x0+t*dx, y0+t*dy
		if d2 := px*px + py*py; d2 < best {
			best = d2
			along = cum[i-1] + t*(cum[i]-cum[i-1])
		}
		x0, y0 = x1, y1
	}
	return along, math.Sqrt(best)
}

func shapeBound(pts []gtfs.ShapePoint) orb.Bound {
	ls := make(orb.LineString, 0, len(pts))
	for _, p := range pts {
		ls = append(ls, point(p))
	}
	return ls.Bound()
}

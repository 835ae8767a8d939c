package schedule

import (
	"math"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"vehicle-tracker/internal/gtfs"
)

// Candidate is a block instance that is plausible for an observation.
type Candidate struct {
	Instance           gtfs.BlockInstance
	DistanceAlongBlock float64 // projection of the observed point onto the block
	Offset             float64 // meters between the observed point and the block
}

// Graph is an immutable in-memory schedule: block instances for the loaded
// service dates plus a bounding-box index of trip geometry.
type Graph struct {
	instances []gtfs.BlockInstance
	bounds    map[*gtfs.BlockTrip]orb.Bound
	routes    map[string]map[string]struct{} // block id -> route ids
	terminals []orb.Point
}

func NewGraph(instances []gtfs.BlockInstance) *Graph {
	g := &Graph{
		instances: instances,
		bounds:    make(map[*gtfs.BlockTrip]orb.Bound),
		routes:    make(map[string]map[string]struct{}),
	}
	seenTerm := make(map[orb.Point]struct{})
	addTerm := func(p orb.Point) {
		if p[0] == 0 && p[1] == 0 {
			return
		}
		if _, ok := seenTerm[p]; !ok {
			seenTerm[p] = struct{}{}
			g.terminals = append(g.terminals, p)
		}
	}
	for _, bi := range instances {
		if bi.Block == nil {
			continue
		}
		rs := g.routes[bi.Block.BlockID]
		if rs == nil {
			rs = make(map[string]struct{})
			g.routes[bi.Block.BlockID] = rs
		}
		for _, bt := range bi.Block.Trips {
			rs[bt.RouteID] = struct{}{}
			if _, ok := g.bounds[bt]; !ok {
				g.bounds[bt] = shapeBound(bt.Shape)
			}
			if n := len(bt.StopTimes); n > 0 {
				first, last := bt.StopTimes[0], bt.StopTimes[n-1]
				addTerm(orb.Point{first.StopLon, first.StopLat})
				addTerm(orb.Point{last.StopLon, last.StopLat})
			}
		}
	}
	return g
}

// Instances returns all loaded block instances.
func (g *Graph) Instances() []gtfs.BlockInstance {
	if g == nil {
		return nil
	}
	return g.instances
}

// Terminals returns the first and last stop of every trip.
func (g *Graph) Terminals() []orb.Point {
	if g == nil {
		return nil
	}
	return g.terminals
}

// RoutesForBlock returns the route ids served by a block.
func (g *Graph) RoutesForBlock(blockID string) map[string]struct{} {
	if g == nil {
		return nil
	}
	return g.routes[blockID]
}

// CandidateBlocks returns the block instances scheduled around t (epoch ms,
// widened by window seconds on both ends) whose geometry passes within radius
// meters of p.
func (g *Graph) CandidateBlocks(p orb.Point, t int64, radius float64, window int) []Candidate {
	if g == nil {
		return nil
	}
	var out []Candidate
	for _, bi := range g.instances {
		if bi.Block == nil || len(bi.Block.Trips) == 0 {
			continue
		}
		sec := int((t - bi.ServiceDate) / 1000)
		if sec < bi.StartSec()-window || sec > bi.EndSec()+window {
			continue
		}
		best := Candidate{Instance: bi, Offset: math.Inf(1)}
		for _, bt := range bi.Block.Trips {
			if b, ok := g.bounds[bt]; ok && !geo.BoundPad(b, radius).Contains(p) {
				continue
			}
			along, off := NearestDistanceAlongShape(bt.Shape, bt.Cum, p.Lat(), p.Lon())
			if off < best.Offset {
				best.Offset = off
				best.DistanceAlongBlock = bt.DistanceAlongBlock + along
			}
		}
		if best.Offset <= radius {
			out = append(out, best)
		}
	}
	return out
}

// Store holds the current graph; Swap replaces it atomically.
type Store struct {
	cur atomic.Pointer[Graph]
}

func NewStore(g *Graph) *Store {
	s := &Store{}
	s.Swap(g)
	return s
}

func (s *Store) Load() *Graph { return s.cur.Load() }

func (s *Store) Swap(g *Graph) *Graph {
	if g == nil {
		g = NewGraph(nil)
	}
	return s.cur.Swap(g)
}

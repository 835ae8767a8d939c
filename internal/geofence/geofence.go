package geofence

import (
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// DefaultTerminalRadius is the distance in meters within which a vehicle is
// considered to be at a terminal stop.
const DefaultTerminalRadius = 150.0

// Base is a named depot outline; polygon vertices are [lon, lat].
type Base struct {
	Name    string       `yaml:"name" validate:"required"`
	Polygon [][2]float64 `yaml:"polygon" validate:"min=3"`
}

type base struct {
	name  string
	poly  orb.Polygon
	bound orb.Bound
}

// Fences classifies points against bases and terminals. It is immutable.
type Fences struct {
	bases     []base
	terminals []orb.Point
	radius    float64
}

func New(bases []Base, terminals []orb.Point, terminalRadius float64) *Fences {
	if terminalRadius <= 0 {
		terminalRadius = DefaultTerminalRadius
	}
	f := &Fences{terminals: terminals, radius: terminalRadius}
	for _, b := range bases {
		ring := make(orb.Ring, 0, len(b.Polygon)+1)
		for _, v := range b.Polygon {
			ring = append(ring, orb.Point{v[0], v[1]})
		}
		if len(ring) > 0 && !ring[0].Equal(ring[len(ring)-1]) {
			ring = append(ring, ring[0])
		}
		poly := orb.Polygon{ring}
		f.bases = append(f.bases, base{name: b.Name, poly: poly, bound: poly.Bound()})
	}
	return f
}

// WithTerminals returns fences with the same bases and radius around a new
// set of terminals.
func (f *Fences) WithTerminals(terminals []orb.Point) *Fences {
	return &Fences{bases: f.bases, terminals: terminals, radius: f.radius}
}

// BaseName returns the name of the base containing p, or "".
func (f *Fences) BaseName(p orb.Point) string {
	for _, b := range f.bases {
		if b.bound.Contains(p) && planar.PolygonContains(b.poly, p) {
			return b.name
		}
	}
	return ""
}

func (f *Fences) IsAtBase(p orb.Point) bool { return f.BaseName(p) != "" }

// IsAtPotentialTerminal reports whether p is within the terminal radius of
// the first or last stop of any trip.
func (f *Fences) IsAtPotentialTerminal(p orb.Point) bool {
	box := geo.NewBoundAroundPoint(p, f.radius)
	for _, t := range f.terminals {
		if !box.Contains(t) {
			continue
		}
		if geo.Distance(p, t) <= f.radius {
			return true
		}
	}
	return false
}

// Store holds the current fences; Swap replaces them atomically.
type Store struct {
	cur atomic.Pointer[Fences]
}

func NewStore(f *Fences) *Store {
	s := &Store{}
	s.Swap(f)
	return s
}

func (s *Store) Swap(f *Fences) {
	if f == nil {
		f = New(nil, nil, 0)
	}
	s.cur.Store(f)
}

func (s *Store) Load() *Fences { return s.cur.Load() }

func (s *Store) IsAtBase(p orb.Point) bool              { return s.Load().IsAtBase(p) }
func (s *Store) IsAtPotentialTerminal(p orb.Point) bool { return s.Load().IsAtPotentialTerminal(p) }

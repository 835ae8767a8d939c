package inference

import (
	"errors"
	"sort"

	"github.com/paulmach/orb"
)

// ErrNoLocation is returned when a record has no coordinates and there is no
// earlier fix to carry forward.
var ErrNoLocation = errors.New("cannot build observation, no location available")

// SignCodes classifies destination sign codes.
type SignCodes interface {
	IsMissing(code string) bool
	IsOutOfService(code string) bool
	IsUnknown(code string) bool
	RouteCollectionsFor(code string) []string
}

// Geofence classifies locations.
type Geofence interface {
	IsAtBase(p orb.Point) bool
	IsAtPotentialTerminal(p orb.Point) bool
}

// Observation is a normalised record. It is immutable except for the link to
// the previous observation, which is cleared once superseded.
type Observation struct {
	time         int64
	record       RawRecord
	lastValidDSC string
	atBase       bool
	atTerminal   bool
	outOfService bool
	routes       map[string]struct{}
	previous     *Observation
}

func (o *Observation) Time() int64          { return o.time }
func (o *Observation) Record() RawRecord    { return o.record }
func (o *Observation) LastValidDSC() string { return o.lastValidDSC }
func (o *Observation) AtBase() bool         { return o.atBase }
func (o *Observation) AtTerminal() bool     { return o.atTerminal }
func (o *Observation) OutOfService() bool   { return o.outOfService }
func (o *Observation) Previous() *Observation {
	return o.previous
}

// Location is the observed (or carried forward) fix.
func (o *Observation) Location() orb.Point {
	return orb.Point{*o.record.Longitude, *o.record.Latitude}
}

// RouteCollections returns the sorted route collection ids implied by the
// last valid sign code.
func (o *Observation) RouteCollections() []string {
	out := make([]string, 0, len(o.routes))
	for id := range o.routes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (o *Observation) HasRouteCollection(id string) bool {
	_, ok := o.routes[id]
	return ok
}

func (o *Observation) clearPrevious() { o.previous = nil }

// ObservationBuilder turns raw records into observations.
type ObservationBuilder struct {
	SignCodes SignCodes
	Geofence  Geofence
}

// Build normalises raw against the previous observation, which may be nil.
func (b ObservationBuilder) Build(raw RawRecord, prev *Observation) (*Observation, error) {
	rec := raw
	if rec.LocationMissing() {
		if prev == nil {
			return nil, ErrNoLocation
		}
		rec.Latitude = ptr(*prev.record.Latitude)
		rec.Longitude = ptr(*prev.record.Longitude)
	} else {
		rec.Latitude = ptr(*raw.Latitude)
		rec.Longitude = ptr(*raw.Longitude)
	}

	dsc := rec.trimmedDSC()
	rec.DestinationSignCode = dsc

	lastValid := ""
	if dsc != "" && !b.SignCodes.IsMissing(dsc) {
		lastValid = dsc
	} else if prev != nil {
		lastValid = prev.lastValidDSC
	}

	obs := &Observation{
		time:         rec.BestTimestamp(),
		record:       rec,
		lastValidDSC: lastValid,
		previous:     prev,
	}
	loc := obs.Location()
	obs.atBase = b.Geofence.IsAtBase(loc)
	obs.atTerminal = b.Geofence.IsAtPotentialTerminal(loc)
	obs.outOfService = lastValid == "" ||
		b.SignCodes.IsOutOfService(lastValid) ||
		b.SignCodes.IsUnknown(lastValid)

	if prev == nil || prev.lastValidDSC != lastValid {
		ids := b.SignCodes.RouteCollectionsFor(lastValid)
		obs.routes = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			obs.routes[id] = struct{}{}
		}
	} else {
		obs.routes = prev.routes
	}
	return obs, nil
}

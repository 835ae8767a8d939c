package inference

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"vehicle-tracker/internal/particlefilter"
)

// ErrFilterFailure is returned when an update degenerates again after a
// reset and retry.
var ErrFilterFailure = errors.New("particle filter failed after reset")

// Options wires an Instance to its collaborators.
type Options struct {
	Builder ObservationBuilder
	Params  ParamSource
	// Graphs backs the default ScheduleModel; ignored when Model is set.
	Graphs GraphSource
	Model  Model
	Rand   *rand.Rand
	// Detour classifies projected records; nil means never on detour.
	Detour DetourFunc
}

// UpdateResult describes what an update did.
type UpdateResult struct {
	Action    ResetAction
	Applied   bool // false when the record was dropped
	Recovered bool // the filter degenerated and a reset-and-retry succeeded
	Enabled   bool
}

// Instance is the inference state of one vehicle. All methods are safe for
// concurrent use.
type Instance struct {
	mu sync.Mutex

	vehicleID string
	builder   ObservationBuilder
	params    ParamSource
	detour    DetourFunc
	filter    *particlefilter.Filter[*VehicleState, *Observation]

	prev                   *Observation
	lastValidDSC           string
	lastUpdateTime         int64
	lastLocationUpdateTime int64
	// acceptedTime is the time of the last record handed to the filter. It
	// outlives a filter reset after an unrecovered failure.
	acceptedTime int64
	enabled      bool

	best         *particlefilter.Particle[*VehicleState]
	badParticles []particlefilter.Particle[*VehicleState]
	bypass       *InferredLocation
}

func NewInstance(vehicleID string, opts Options) *Instance {
	model := opts.Model
	if model == nil {
		model = NewScheduleModel(opts.Graphs, opts.Params)
	}
	return &Instance{
		vehicleID: vehicleID,
		builder:   opts.Builder,
		params:    opts.Params,
		detour:    opts.Detour,
		filter:    particlefilter.New(model, opts.Params.Load().ParticleCount, opts.Rand),
		enabled:   true,
	}
}

func (i *Instance) VehicleID() string { return i.vehicleID }

// HandleUpdate runs one raw record through the reset policy and the filter.
// A record without location and without an earlier fix returns
// ErrNoLocation; a dropped record returns Applied=false. Neither mutates the
// instance.
func (i *Instance) HandleUpdate(raw RawRecord) (UpdateResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	params := i.params.Load()
	t := raw.BestTimestamp()
	decision := PolicyFromParams(params).Decide(i.acceptedTime, i.prev, raw, t)
	res := UpdateResult{Action: decision.Action, Enabled: i.enabled}
	if decision.Action == Drop {
		log.Printf("out-of-order record for vid=%s, skipping update", i.vehicleID)
		return res, nil
	}

	prev := i.prev
	if decision.Action == ResetAndClearObservation {
		prev = nil
	}
	obs, err := i.builder.Build(raw, prev)
	if err != nil {
		return res, err
	}

	switch decision.Action {
	case ResetAndClearObservation, ResetAndContinue:
		log.Printf("resetting inference for vid=%s: %s", i.vehicleID, decision.Reason)
		i.filter.Reset()
	}

	if i.prev != nil {
		i.prev.clearPrevious()
	}
	i.prev = obs
	i.bypass = nil
	i.lastValidDSC = obs.lastValidDSC
	i.lastUpdateTime = t
	i.acceptedTime = t
	if !raw.LocationMissing() {
		i.lastLocationUpdateTime = t
	}
	res.Applied = true

	i.filter.SetCount(params.ParticleCount)
	err = i.filter.Update(t, obs)
	if errors.Is(err, particlefilter.ErrDegenerated) {
		log.Printf("particle filter crashed for record - attempting reset: time=%d timeReceived=%d vehicleId=%s",
			raw.Time, raw.TimeReceived, i.vehicleID)
		i.badParticles = i.filter.WeightedParticles()
		i.filter.Reset()
		if err = i.filter.Update(t, obs); err != nil {
			log.Printf("particle filter crashed again: time=%d timeReceived=%d vehicleId=%s",
				raw.Time, raw.TimeReceived, i.vehicleID)
			return res, fmt.Errorf("%w: vid=%s: %w", ErrFilterFailure, i.vehicleID, err)
		}
		res.Recovered = true
	} else if err != nil {
		return res, fmt.Errorf("update vid=%s: %w", i.vehicleID, err)
	}

	if p, ok := i.filter.MostLikely(); ok {
		i.best = &p
	}
	return res, nil
}

// HandleBypassUpdate replaces the estimate with an externally inferred
// record until the next raw update.
func (i *Instance) HandleBypassUpdate(rec InferredLocation) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.prev = nil
	i.bypass = &rec
	i.lastUpdateTime = rec.Timestamp
	if rec.Lat != 0 || rec.Lon != 0 {
		i.lastLocationUpdateTime = rec.Timestamp
	}
	return i.enabled
}

// SetEnabled marks whether the instance's output may be published. Updates
// continue either way.
func (i *Instance) SetEnabled(enabled bool) {
	i.mu.Lock()
	i.enabled = enabled
	i.mu.Unlock()
}

func (i *Instance) Enabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enabled
}

// CurrentState returns the latest estimate, or nil when there is none. After
// an unrecovered failure it keeps returning the last good estimate.
func (i *Instance) CurrentState() *InferredLocation {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentState()
}

func (i *Instance) currentState() *InferredLocation {
	if i.prev == nil {
		if i.bypass == nil {
			return nil
		}
		out := *i.bypass
		out.InferenceEnabled = i.enabled
		return &out
	}
	if i.best == nil {
		return nil
	}
	out := project(i.vehicleID, *i.best, i.params.Load(), i.detour)
	out.LastUpdateTime = i.lastUpdateTime
	out.LastLocationUpdateTime = i.lastLocationUpdateTime
	out.InferenceEnabled = i.enabled
	return out
}

// ManagementState returns nil until the first successful update.
func (i *Instance) ManagementState() *ManagementStatus {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.best == nil {
		return nil
	}
	s := i.best.Data
	rec := s.Observation.record
	out := &ManagementStatus{
		VehicleID:              i.vehicleID,
		InferenceEnabled:       i.enabled,
		LastUpdateTime:         i.lastUpdateTime,
		LastLocationUpdateTime: i.lastLocationUpdateTime,
		MostRecentObservedDSC:  rec.DestinationSignCode,
		LastValidDSC:           i.lastValidDSC,
		LastObservedLat:        *rec.Latitude,
		LastObservedLon:        *rec.Longitude,
		EmergencyFlag:          rec.EmergencyFlag,
	}
	if bs := s.Block; bs != nil {
		out.LastInferredDSC = bs.DestinationSignCode
		out.InferredRunID = bs.RunID
		out.InferenceIsFormal = bs.Formal()
	}
	return out
}

// JourneySummaries returns the phase history of the best particle.
func (i *Instance) JourneySummaries() []JourneyPhaseSummary {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.best == nil {
		return nil
	}
	return append([]JourneyPhaseSummary(nil), i.best.Data.Journey.Summaries...)
}

// Details returns the current weighted particles.
func (i *Instance) Details() Details {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.details(i.filter.WeightedParticles())
}

// BadParticleDetails returns the particles retained from the most recent
// degeneration.
func (i *Instance) BadParticleDetails() Details {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.details(i.badParticles)
}

// SampledParticles returns the current resampled population.
func (i *Instance) SampledParticles() []ParticleSummary {
	i.mu.Lock()
	defer i.mu.Unlock()

	ps := i.filter.SampledParticles()
	out := make([]ParticleSummary, len(ps))
	for k, p := range ps {
		out[k] = summarize(p)
	}
	return out
}

func (i *Instance) details(ps []particlefilter.Particle[*VehicleState]) Details {
	d := Details{
		LastObservation:       i.lastRecord(),
		ParticleFilterFailure: i.badParticles != nil,
		Particles:             make([]ParticleSummary, len(ps)),
	}
	for k, p := range ps {
		d.Particles[k] = summarize(p)
	}
	sort.SliceStable(d.Particles, func(a, b int) bool {
		return d.Particles[a].Weight > d.Particles[b].Weight
	})
	return d
}

func (i *Instance) lastRecord() *RawRecord {
	if i.prev != nil {
		rec := i.prev.record
		return &rec
	}
	if b := i.bypass; b != nil {
		rec := &RawRecord{
			VehicleID:           i.vehicleID,
			Time:                b.Timestamp,
			TimeReceived:        b.Timestamp,
			Latitude:            ptr(b.Lat),
			Longitude:           ptr(b.Lon),
			DestinationSignCode: b.DSC,
			OperatorID:          b.OperatorID,
		}
		if route, num, ok := strings.Cut(b.ReportedRunID, "-"); ok {
			rec.RunRouteID, rec.RunNumber = route, num
		} else {
			rec.RunNumber = b.ReportedRunID
		}
		return rec
	}
	return nil
}

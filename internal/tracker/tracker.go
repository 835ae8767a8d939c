// Package tracker runs one inference instance per vehicle and publishes
// their estimates.
package tracker

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"vehicle-tracker/internal/config"
	"vehicle-tracker/internal/geofence"
	"vehicle-tracker/internal/inference"
	"vehicle-tracker/internal/occupancy"
	"vehicle-tracker/internal/schedule"
	"vehicle-tracker/internal/signcode"
)

var ErrInvalidRecord = errors.New("invalid record")

type Publisher interface {
	PublishInferred(loc *inference.InferredLocation, load *occupancy.VehicleLoad) error
}

type Metrics interface {
	RecordReceived()
	RecordProcessed()
	RecordSkipped(reason string)
	RecordDropped()
	ResetInc(action string)
	DegenerationInc()
	FilterFailureInc()
	UpdateObserve(d time.Duration)
	LoadReceived()
	BypassInc()
	SetTrackedVehicles(n int)
	SetOccupancyItems(n int)
	RefreshInc(kind string, ok bool)
}

// Options wire a Tracker. Nil stores start empty; a nil Publisher discards
// estimates.
type Options struct {
	Params    *config.ParamStore
	Graphs    *schedule.Store
	SignCodes *signcode.Store
	Fences    *geofence.Store
	Occupancy *occupancy.Cache
	Publisher Publisher
	Metrics   Metrics
	Workers   int
	// Seed makes every instance's random stream deterministic when non-zero.
	Seed uint64
	// Detour decides when a deviated vehicle keeps its observed position;
	// nil treats every deviated vehicle as on detour.
	Detour inference.DetourFunc
	// Model builds the model of a new instance; nil uses the schedule model.
	Model func() inference.Model
}

type Tracker struct {
	opts      Options
	instances cmap.ConcurrentMap[string, *inference.Instance]
	latest    cmap.ConcurrentMap[string, inference.RawRecord]

	mu      sync.RWMutex
	queues  []chan inference.RawRecord
	stopped bool
	wg      sync.WaitGroup

	refreshStop func()
	refreshWG   sync.WaitGroup
}

func New(opts Options) *Tracker {
	if opts.Params == nil {
		opts.Params = config.NewParamStore(nil)
	}
	if opts.Graphs == nil {
		opts.Graphs = schedule.NewStore(nil)
	}
	if opts.SignCodes == nil {
		opts.SignCodes = signcode.NewStore(nil)
	}
	if opts.Fences == nil {
		opts.Fences = geofence.NewStore(nil)
	}
	if opts.Occupancy == nil {
		opts.Occupancy = occupancy.NewCache(opts.Params.Load().APCExpiry)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Detour == nil {
		opts.Detour = inference.DeviatedIsDetour
	}
	return &Tracker{
		opts:      opts,
		instances: cmap.New[*inference.Instance](),
		latest:    cmap.New[inference.RawRecord](),
	}
}

func (t *Tracker) Occupancy() *occupancy.Cache { return t.opts.Occupancy }

func (t *Tracker) newInstance(vid string) *inference.Instance {
	opts := inference.Options{
		Builder: inference.ObservationBuilder{SignCodes: t.opts.SignCodes, Geofence: t.opts.Fences},
		Params:  t.opts.Params,
		Graphs:  t.opts.Graphs,
		Detour:  t.opts.Detour,
	}
	if t.opts.Model != nil {
		opts.Model = t.opts.Model()
	}
	if t.opts.Seed != 0 {
		opts.Rand = rand.New(rand.NewPCG(t.opts.Seed, hashID(vid)))
	}
	log.Printf("creating inference instance for vid=%s", vid)
	return inference.NewInstance(vid, opts)
}

func (t *Tracker) instanceFor(vid string) *inference.Instance {
	inst := t.instances.Upsert(vid, nil, func(exist bool, cur, _ *inference.Instance) *inference.Instance {
		if exist {
			return cur
		}
		return t.newInstance(vid)
	})
	if t.opts.Metrics != nil {
		t.opts.Metrics.SetTrackedVehicles(t.instances.Count())
	}
	return inst
}

// HandleRecord runs one raw record through its vehicle's instance and
// publishes the resulting estimate. A record without location for a vehicle
// that has no instance is skipped without creating one.
func (t *Tracker) HandleRecord(rec inference.RawRecord) error {
	m := t.opts.Metrics
	if m != nil {
		m.RecordReceived()
	}
	vid := strings.TrimSpace(rec.VehicleID)
	if vid == "" {
		log.Printf("skipping record without vehicle id: time=%d", rec.Time)
		if m != nil {
			m.RecordSkipped("invalid")
		}
		return fmt.Errorf("%w: missing vehicle id", ErrInvalidRecord)
	}
	rec.VehicleID = vid

	inst, ok := t.instances.Get(vid)
	if !ok && rec.LocationMissing() {
		log.Printf("no location for new vehicle vid=%s, skipping", vid)
		if m != nil {
			m.RecordSkipped("no_location")
		}
		return nil
	}
	if !ok {
		inst = t.instanceFor(vid)
	}

	start := time.Now()
	res, err := inst.HandleUpdate(rec)
	if m != nil {
		m.UpdateObserve(time.Since(start))
	}
	if err != nil {
		switch {
		case errors.Is(err, inference.ErrNoLocation):
			log.Printf("no location for vid=%s, skipping", vid)
			if m != nil {
				m.RecordSkipped("no_location")
			}
			return nil
		case errors.Is(err, inference.ErrFilterFailure):
			if m != nil {
				m.FilterFailureInc()
			}
		}
		log.Printf("update error for vid=%s: %v", vid, err)
		return err
	}
	if res.Applied {
		t.latest.Set(vid, rec)
	}

	if m != nil {
		switch res.Action {
		case inference.Drop:
			m.RecordDropped()
		case inference.ResetAndContinue, inference.ResetAndClearObservation:
			m.ResetInc(res.Action.String())
		}
		if res.Recovered {
			m.DegenerationInc()
		}
		if res.Applied {
			m.RecordProcessed()
		}
	}
	if res.Applied && res.Enabled {
		t.publish(inst)
	}
	return nil
}

// HandleBypassUpdate stores an externally inferred record for its vehicle
// and publishes it when the vehicle is enabled.
func (t *Tracker) HandleBypassUpdate(loc inference.InferredLocation) error {
	vid := strings.TrimSpace(loc.VehicleID)
	if vid == "" {
		return fmt.Errorf("%w: bypass record without vehicle id", ErrInvalidRecord)
	}
	loc.VehicleID = vid
	inst := t.instanceFor(vid)
	if m := t.opts.Metrics; m != nil {
		m.BypassInc()
	}
	if inst.HandleBypassUpdate(loc) {
		t.publish(inst)
	}
	return nil
}

// HandleLoad stores a passenger-count reading.
func (t *Tracker) HandleLoad(l occupancy.VehicleLoad) error {
	m := t.opts.Metrics
	if err := t.opts.Occupancy.Put(l); err != nil {
		log.Printf("rejecting vehicle load: %v", err)
		if m != nil {
			m.RecordSkipped("implausible_load")
		}
		return err
	}
	if m != nil {
		m.LoadReceived()
		m.SetOccupancyItems(t.opts.Occupancy.Len())
	}
	return nil
}

func (t *Tracker) publish(inst *inference.Instance) {
	if t.opts.Publisher == nil {
		return
	}
	loc := inst.CurrentState()
	if loc == nil {
		return
	}
	var load *occupancy.VehicleLoad
	if loc.RouteID != "" {
		if l, ok := t.opts.Occupancy.Get(loc.VehicleID, loc.RouteID, loc.DirectionID); ok {
			load = &l
		}
	}
	if err := t.opts.Publisher.PublishInferred(loc, load); err != nil {
		log.Printf("publish error for vid=%s: %v", loc.VehicleID, err)
	}
}

// SetVehicleStatus enables or disables publishing for a vehicle. It reports
// false when the vehicle is unknown.
func (t *Tracker) SetVehicleStatus(vid string, enabled bool) bool {
	inst, ok := t.instances.Get(vid)
	if !ok {
		return false
	}
	inst.SetEnabled(enabled)
	log.Printf("inference for vid=%s enabled=%t", vid, enabled)
	return true
}

func (t *Tracker) CurrentState(vid string) *inference.InferredLocation {
	if inst, ok := t.instances.Get(vid); ok {
		return inst.CurrentState()
	}
	return nil
}

func (t *Tracker) ManagementState(vid string) *inference.ManagementStatus {
	if inst, ok := t.instances.Get(vid); ok {
		return inst.ManagementState()
	}
	return nil
}

func (t *Tracker) Details(vid string) (inference.Details, bool) {
	if inst, ok := t.instances.Get(vid); ok {
		return inst.Details(), true
	}
	return inference.Details{}, false
}

func (t *Tracker) BadParticleDetails(vid string) (inference.Details, bool) {
	if inst, ok := t.instances.Get(vid); ok {
		return inst.BadParticleDetails(), true
	}
	return inference.Details{}, false
}

func (t *Tracker) JourneySummaries(vid string) []inference.JourneyPhaseSummary {
	if inst, ok := t.instances.Get(vid); ok {
		return inst.JourneySummaries()
	}
	return nil
}

// CurrentStates returns the estimate of every vehicle that has one.
func (t *Tracker) CurrentStates() []*inference.InferredLocation {
	var out []*inference.InferredLocation
	for _, vid := range t.Vehicles() {
		if st := t.CurrentState(vid); st != nil {
			out = append(out, st)
		}
	}
	return out
}

// LatestRecords returns the most recent record applied to each vehicle's
// instance. Dropped records and records that failed are not kept.
func (t *Tracker) LatestRecords() map[string]inference.RawRecord {
	return t.latest.Items()
}

// Vehicles returns the ids of all tracked vehicles in order.
func (t *Tracker) Vehicles() []string {
	ids := t.instances.Keys()
	sort.Strings(ids)
	return ids
}

// Start launches the workers behind Dispatch.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queues != nil {
		return
	}
	t.queues = make([]chan inference.RawRecord, t.opts.Workers)
	for k := range t.queues {
		q := make(chan inference.RawRecord, 256)
		t.queues[k] = q
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for rec := range q {
				_ = t.HandleRecord(rec)
			}
		}()
	}
	log.Printf("started %d inference workers", len(t.queues))
}

// Dispatch queues rec on its vehicle's worker. Records of one vehicle are
// handled in arrival order. It reports false once the tracker is stopped.
func (t *Tracker) Dispatch(rec inference.RawRecord) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stopped || t.queues == nil {
		return false
	}
	t.queues[hashID(strings.TrimSpace(rec.VehicleID))%uint64(len(t.queues))] <- rec
	return true
}

// Stop halts the refresher, drains the worker queues and waits for them.
func (t *Tracker) Stop() {
	if t.refreshStop != nil {
		t.refreshStop()
	}
	t.refreshWG.Wait()

	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		for _, q := range t.queues {
			close(q)
		}
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func hashID(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

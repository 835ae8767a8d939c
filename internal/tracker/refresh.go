package tracker

import (
	"context"
	"log"
	"time"

	"vehicle-tracker/internal/config"
	"vehicle-tracker/internal/geofence"
	"vehicle-tracker/internal/schedule"
	"vehicle-tracker/internal/signcode"
)

// Sources load fresh reference data. Nil loaders are skipped.
type Sources struct {
	Params    func() (*config.Params, error)
	Reference func() (*config.Reference, error)
	Graph     func(ctx context.Context) (*schedule.Graph, error)
}

// Refresh reloads every source and swaps in what loaded. A failed source
// keeps its current data; the last error is returned.
func (t *Tracker) Refresh(ctx context.Context, src Sources) error {
	var lastErr error
	note := func(kind string, err error) bool {
		if t.opts.Metrics != nil {
			t.opts.Metrics.RefreshInc(kind, err == nil)
		}
		if err != nil {
			log.Printf("refresh %s error: %v", kind, err)
			lastErr = err
			return false
		}
		return true
	}

	if src.Params != nil {
		p, err := src.Params()
		if note("params", err) {
			t.opts.Params.Swap(p)
			t.opts.Occupancy.SetExpiry(p.APCExpiry)
		}
	}
	if src.Graph != nil {
		g, err := src.Graph(ctx)
		if note("schedule", err) {
			t.opts.Graphs.Swap(g)
			t.opts.Fences.Swap(t.opts.Fences.Load().WithTerminals(g.Terminals()))
			log.Printf("schedule refreshed: %d block instances", len(g.Instances()))
		}
	}
	if src.Reference != nil {
		ref, err := src.Reference()
		if note("reference", err) {
			t.opts.SignCodes.Swap(signcode.NewClassifier(ref.SignCodes))
			t.opts.Fences.Swap(geofence.New(ref.Bases, t.opts.Graphs.Load().Terminals(), ref.TerminalRadius))
		}
	}

	if t.opts.Metrics != nil {
		t.opts.Metrics.SetTrackedVehicles(t.instances.Count())
		t.opts.Metrics.SetOccupancyItems(t.opts.Occupancy.Len())
	}
	return lastErr
}

// StartRefresher refreshes immediately and then every interval until ctx is
// done or Stop is called.
func (t *Tracker) StartRefresher(parent context.Context, interval time.Duration, src Sources) {
	ctx, cancel := context.WithCancel(parent)
	t.refreshStop = cancel
	t.refreshWG.Add(1)
	go func() {
		defer t.refreshWG.Done()
		_ = t.Refresh(ctx, src)
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = t.Refresh(ctx, src)
			}
		}
	}()
}

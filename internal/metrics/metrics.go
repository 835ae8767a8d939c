package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	TrackedVehicles prometheus.Gauge
	OccupancyItems  prometheus.Gauge

	RecordsReceived  prometheus.Counter
	RecordsProcessed prometheus.Counter
	RecordsSkipped   *prometheus.CounterVec // reason label: no_location|invalid|corrupt
	RecordsDropped   prometheus.Counter

	Resets          *prometheus.CounterVec // action label
	Degenerations   prometheus.Counter
	FilterFailures  prometheus.Counter
	LoadsReceived   prometheus.Counter
	BypassUpdates   prometheus.Counter
	Refreshes       *prometheus.CounterVec // kind label: params|reference|schedule
	RefreshFailures *prometheus.CounterVec

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	DBSwitches *prometheus.CounterVec // reason label: update|ping_failure

	UpdateDuration  prometheus.Histogram
	PublishDuration prometheus.Histogram

	RefreshInterval prometheus.Gauge // seconds
	Workers         prometheus.Gauge
}

func NewCollector(refreshInterval time.Duration, workers int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_vehicles",
			Help: "Number of vehicles with an inference instance.",
		}),
		OccupancyItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_occupancy_items",
			Help: "Number of unexpired passenger-count readings.",
		}),
		RecordsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_records_received_total",
			Help: "Total raw AVL records received.",
		}),
		RecordsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_records_processed_total",
			Help: "Total raw AVL records applied to an inference instance.",
		}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_records_skipped_total",
			Help: "Total raw AVL records skipped before inference.",
		}, []string{"reason"}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_records_dropped_total",
			Help: "Total out-of-order records dropped by the reset policy.",
		}),
		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_resets_total",
			Help: "Total inference resets by action.",
		}, []string{"action"}),
		Degenerations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_filter_degenerations_total",
			Help: "Total particle filter degenerations recovered by a rebuild.",
		}),
		FilterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_filter_failures_total",
			Help: "Total particle filter updates that failed after the retry.",
		}),
		LoadsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_loads_received_total",
			Help: "Total passenger-count readings accepted.",
		}),
		BypassUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_bypass_updates_total",
			Help: "Total externally inferred records applied.",
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_refreshes_total",
			Help: "Total reference data refreshes by kind.",
		}, []string{"kind"}),
		RefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_refresh_failures_total",
			Help: "Total failed reference data refreshes by kind.",
		}, []string{"kind"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_db_switches_total",
			Help: "Number of database switches.",
		}, []string{"reason"}),
		UpdateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_update_duration_seconds",
			Help:    "Duration of one inference update.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_refresh_interval_seconds",
			Help: "Reference data refresh interval in seconds.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_workers",
			Help: "Number of inference workers.",
		}),
	}

	reg.MustRegister(
		c.TrackedVehicles, c.OccupancyItems,
		c.RecordsReceived, c.RecordsProcessed, c.RecordsSkipped, c.RecordsDropped,
		c.Resets, c.Degenerations, c.FilterFailures,
		c.LoadsReceived, c.BypassUpdates, c.Refreshes, c.RefreshFailures,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.DBSwitches, c.UpdateDuration, c.PublishDuration,
		c.RefreshInterval, c.Workers,
	)

	c.RefreshInterval.Set(refreshInterval.Seconds())
	c.Workers.Set(float64(workers))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// The methods below satisfy the narrow metric interfaces of the tracker,
// publisher and listener packages.

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) UpdateObserve(d time.Duration)  { c.UpdateDuration.Observe(d.Seconds()) }
func (c *Collector) RecordReceived()                { c.RecordsReceived.Inc() }
func (c *Collector) RecordProcessed()               { c.RecordsProcessed.Inc() }
func (c *Collector) RecordSkipped(reason string)    { c.RecordsSkipped.WithLabelValues(reason).Inc() }
func (c *Collector) RecordDropped()                 { c.RecordsDropped.Inc() }
func (c *Collector) ResetInc(action string)         { c.Resets.WithLabelValues(action).Inc() }
func (c *Collector) DegenerationInc()               { c.Degenerations.Inc() }
func (c *Collector) FilterFailureInc()              { c.FilterFailures.Inc() }
func (c *Collector) LoadReceived()                  { c.LoadsReceived.Inc() }
func (c *Collector) BypassInc()                     { c.BypassUpdates.Inc() }
func (c *Collector) SetTrackedVehicles(n int)       { c.TrackedVehicles.Set(float64(n)) }
func (c *Collector) SetOccupancyItems(n int)        { c.OccupancyItems.Set(float64(n)) }
func (c *Collector) RefreshInc(kind string, ok bool) {
	if ok {
		c.Refreshes.WithLabelValues(kind).Inc()
	} else {
		c.RefreshFailures.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
